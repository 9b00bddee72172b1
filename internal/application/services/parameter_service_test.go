package services

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

func TestParameterService_ParseFromRequest(t *testing.T) {
	tests := []struct {
		name        string
		form        url.Values
		wantErr     bool
		wantMime    valueobjects.MimeType
		wantQuality int
		wantSize    [2]int
		wantPins    map[valueobjects.ModelKey]string
		wantGarment map[string]string
	}{
		{
			name:        "defaults",
			form:        url.Values{},
			wantMime:    valueobjects.MimeTypePNG,
			wantQuality: 0,
			wantPins:    map[valueobjects.ModelKey]string{},
		},
		{
			name: "jpeg keeps quality",
			form: url.Values{
				"output_mime_type":    {"image/jpeg"},
				"compression_quality": {"80"},
				"output_width":        {"512"},
				"output_height":       {"768"},
			},
			wantMime:    valueobjects.MimeTypeJPEG,
			wantQuality: 80,
			wantSize:    [2]int{512, 768},
			wantPins:    map[valueobjects.ModelKey]string{},
		},
		{
			name: "png drops quality",
			form: url.Values{
				"output_mime_type":    {"image/png"},
				"compression_quality": {"80"},
			},
			wantMime:    valueobjects.MimeTypePNG,
			wantQuality: 0,
			wantPins:    map[valueobjects.ModelKey]string{},
		},
		{
			name: "pins from both forms",
			form: url.Values{
				"model_versions": {"pose:p-2, warp:w-3"},
				"pin_blend":      {"b-1"},
			},
			wantMime: valueobjects.MimeTypePNG,
			wantPins: map[valueobjects.ModelKey]string{
				valueobjects.PoseModel:  "p-2",
				valueobjects.WarpModel:  "w-3",
				valueobjects.BlendModel: "b-1",
			},
		},
		{
			name:    "unknown model pin",
			form:    url.Values{"model_versions": {"depth:d-1"}},
			wantErr: true,
		},
		{
			name:    "malformed pin",
			form:    url.Values{"model_versions": {"pose"}},
			wantErr: true,
		},
		{
			name:    "non numeric width",
			form:    url.Values{"output_width": {"wide"}, "output_height": {"512"}},
			wantErr: true,
		},
		{
			name:    "width without height",
			form:    url.Values{"output_width": {"512"}},
			wantErr: true,
		},
		{
			name:    "unsupported mime type",
			form:    url.Values{"output_mime_type": {"image/gif"}},
			wantErr: true,
		},
		{
			name:    "NaN temperature",
			form:    url.Values{"temperature": {"NaN"}},
			wantErr: true,
		},
		{
			name: "garment attributes",
			form: url.Values{
				"garment_category": {"top"},
				"gender":           {"woman"},
				"fit":              {"over-sized"},
				"tuck":             {"out"},
			},
			wantMime: valueobjects.MimeTypePNG,
			wantPins: map[valueobjects.ModelKey]string{},
			wantGarment: map[string]string{
				"category":    "top",
				"target":      "top",
				"replacement": "tops",
				"gender":      "woman",
				"fit":         "over-sized",
				"tuck":        "out",
			},
		},
		{
			name:    "unknown garment category",
			form:    url.Values{"garment_category": {"hat"}},
			wantErr: true,
		},
		{
			name:    "unknown sleeve",
			form:    url.Values{"sleeve": {"half"}},
			wantErr: true,
		},
	}

	s := NewParameterService()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/v1/tryon", strings.NewReader(tt.form.Encode()))
			r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			options, err := s.ParseFromRequest(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFromRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if options.OutputMimeType() != tt.wantMime {
				t.Errorf("mime = %s, want %s", options.OutputMimeType(), tt.wantMime)
			}
			if options.CompressionQuality() != tt.wantQuality {
				t.Errorf("quality = %d, want %d", options.CompressionQuality(), tt.wantQuality)
			}
			if options.OutputWidth() != tt.wantSize[0] || options.OutputHeight() != tt.wantSize[1] {
				t.Errorf("size = %dx%d, want %dx%d", options.OutputWidth(), options.OutputHeight(), tt.wantSize[0], tt.wantSize[1])
			}
			pins := options.ModelPins()
			if len(pins) != len(tt.wantPins) {
				t.Fatalf("pins = %v, want %v", pins, tt.wantPins)
			}
			for k, v := range tt.wantPins {
				if pins[k] != v {
					t.Errorf("pin %s = %q, want %q", k, pins[k], v)
				}
			}
			if tt.wantGarment != nil {
				assert.Equal(t, tt.wantGarment, options.Garment().Map())
			} else {
				assert.Equal(t, valueobjects.GarmentCategoryGarment, options.Garment().Category())
			}
		})
	}
}
