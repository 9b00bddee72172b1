package services

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

type ParameterService struct{}

func NewParameterService() *ParameterService {
	return &ParameterService{}
}

// ParseFromRequest reads try-on options from form values. Unset fields take
// their defaults; malformed numbers are reported rather than ignored.
func (s *ParameterService) ParseFromRequest(r *http.Request) (*valueobjects.TryOnOptions, error) {
	mimeType := valueobjects.MimeType(s.getString(r, "output_mime_type", string(valueobjects.MimeTypePNG)))

	width, err := s.getInt(r, "output_width", 0)
	if err != nil {
		return nil, err
	}
	height, err := s.getInt(r, "output_height", 0)
	if err != nil {
		return nil, err
	}
	quality, err := s.getInt(r, "compression_quality", 90)
	if err != nil {
		return nil, err
	}
	temperature, err := s.getFloat(r, "temperature", 1.0)
	if err != nil {
		return nil, err
	}

	// quality only applies to lossy output
	if mimeType != valueobjects.MimeTypeJPEG {
		quality = 0
	}

	pins, err := s.getPins(r)
	if err != nil {
		return nil, err
	}

	garment, err := valueobjects.NewGarmentAttributes(s.getGarment(r))
	if err != nil {
		return nil, err
	}

	options, err := valueobjects.NewTryOnOptions(pins, width, height, mimeType, quality, temperature)
	if err != nil {
		return nil, err
	}
	return options.WithGarment(garment), nil
}

func (s *ParameterService) getGarment(r *http.Request) valueobjects.GarmentSpec {
	return valueobjects.GarmentSpec{
		Category:    r.FormValue("garment_category"),
		Target:      r.FormValue("garment_target"),
		Replacement: r.FormValue("garment_replacement"),
		Gender:      r.FormValue("gender"),
		How:         r.FormValue("how"),
		Fit:         r.FormValue("fit"),
		Sleeve:      r.FormValue("sleeve"),
		Length:      r.FormValue("length"),
		Button:      r.FormValue("button"),
		Tuck:        r.FormValue("tuck"),
	}
}

// getPins accepts pin_pose, pin_warp and pin_blend, or a combined
// model_versions=pose:v1,warp:v2 field.
func (s *ParameterService) getPins(r *http.Request) (map[valueobjects.ModelKey]string, error) {
	pins := make(map[valueobjects.ModelKey]string)

	if combined := r.FormValue("model_versions"); combined != "" {
		for _, pair := range strings.Split(combined, ",") {
			key, version, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok || version == "" {
				return nil, fmt.Errorf("model_versions entry %q must be model:version", pair)
			}
			pins[valueobjects.ModelKey(key)] = version
		}
	}

	for _, key := range valueobjects.ModelKeys {
		if v := r.FormValue("pin_" + string(key)); v != "" {
			pins[key] = v
		}
	}
	return pins, nil
}

func (s *ParameterService) getInt(r *http.Request, key string, defaultValue int) (int, error) {
	value := r.FormValue(key)
	if value == "" {
		return defaultValue, nil
	}

	intVal, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, value)
	}
	return intVal, nil
}

func (s *ParameterService) getFloat(r *http.Request, key string, defaultValue float64) (float64, error) {
	value := r.FormValue(key)
	if value == "" {
		return defaultValue, nil
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, value)
	}
	return f, nil
}

func (s *ParameterService) getString(r *http.Request, key, defaultValue string) string {
	value := r.FormValue(key)
	if value == "" {
		return defaultValue
	}
	return value
}
