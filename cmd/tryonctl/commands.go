package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	domainservices "github.com/buzzni/virtual-try-on/internal/domain/services"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
	"github.com/buzzni/virtual-try-on/model"
)

func submitCmd() *cobra.Command {
	var (
		in      submitInput
		mime    string
		width   int
		height  int
		pins    string
		output  string
		pollFor time.Duration

		category string
		garment  map[string]string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a body and a garment image",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Options = map[string]string{"output_mime_type": mime}
			if width > 0 && height > 0 {
				in.Options["output_width"] = fmt.Sprint(width)
				in.Options["output_height"] = fmt.Sprint(height)
			}
			if pins != "" {
				in.Options["model_versions"] = pins
			}
			if category != "" {
				in.Options["garment_category"] = category
			}
			for k, v := range garment {
				in.Options[k] = v
			}

			client := newAPIClient(global.server, global.timeout)
			accepted, envelope, err := client.Submit(cmd.Context(), in)
			if err != nil {
				return err
			}

			if envelope == nil && pollFor > 0 {
				status, err := waitForStatus(cmd, client, accepted.RequestID, pollFor)
				if err != nil {
					return err
				}
				envelope = status.Envelope
			}
			if envelope == nil {
				return printJSON(cmd.OutOrStdout(), accepted)
			}

			if output != "" && envelope.Outcome != "failed" {
				data, _, err := client.Image(cmd.Context(), envelope.RequestID)
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}
			}
			return printJSON(cmd.OutOrStdout(), envelope)
		},
	}
	cmd.Flags().StringVar(&in.BodyPath, "body", "", "Body (person) image")
	cmd.Flags().StringVar(&in.GarmentPath, "garment", "", "Garment image")
	cmd.Flags().BoolVar(&in.Wait, "wait", false, "Let the server hold the request until it finishes")
	cmd.Flags().DurationVar(&pollFor, "poll", 0, "Poll the status until finished, up to this long")
	cmd.Flags().StringVar(&mime, "mime", string(valueobjects.MimeTypePNG), "Output MIME type")
	cmd.Flags().IntVar(&width, "width", 0, "Output width")
	cmd.Flags().IntVar(&height, "height", 0, "Output height")
	cmd.Flags().StringVar(&pins, "pin", "", "Pinned model versions, e.g. pose:v1,warp:v2")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the composite image to this file")
	cmd.Flags().StringVar(&category, "category", "", "Garment category: garment, top, outer, bottom, onepiece, sports")
	cmd.Flags().StringToStringVar(&garment, "attr", nil, "Garment attributes, e.g. gender=woman,fit=slim fit,tuck=in")
	_ = cmd.MarkFlagRequired("body")
	_ = cmd.MarkFlagRequired("garment")
	return cmd
}

func waitForStatus(cmd *cobra.Command, client *apiClient, id string, limit time.Duration) (*model.StatusResponse, error) {
	deadline := time.Now().Add(limit)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := client.Status(cmd.Context(), id)
		if err != nil {
			return nil, err
		}
		if entities.Stage(status.State).Terminal() {
			return status, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("request %s still %s after %s", id, status.State, limit)
		}
		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show the state of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newAPIClient(global.server, global.timeout).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a running request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient(global.server, global.timeout).Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", args[0])
			return nil
		},
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the active model versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := newAPIClient(global.server, global.timeout).Models(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), models)
		},
	}
}

func rolloverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollover <pose|warp|blend> <version>",
		Short: "Switch a model to a new version and drop its cached results",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !valueobjects.ModelKey(args[0]).Valid() {
				return fmt.Errorf("unknown model %q", args[0])
			}
			out, err := newAPIClient(global.server, global.timeout).Rollover(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

func normalizeCmd() *cobra.Command {
	var (
		outDir   string
		kind     string
		encode64 bool
	)
	cmd := &cobra.Command{
		Use:   "normalize <dir>",
		Short: "Normalize every image in a directory to the canonical PNG form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			normalizer, err := domainservices.NewAssetNormalizer(domainservices.DefaultNormalizerConfig())
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = filepath.Join(args[0], "normalized")
			}
			results, err := normalizeDir(normalizer, args[0], outDir, valueobjects.AssetKind(kind), encode64)
			for _, r := range results {
				fmt.Fprintln(cmd.OutOrStdout(), r)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory (default <dir>/normalized)")
	cmd.Flags().StringVar(&kind, "kind", string(valueobjects.BodyAsset), "Asset kind: body or garment")
	cmd.Flags().BoolVar(&encode64, "base64", false, "Also write a base64 .txt next to each PNG")
	return cmd
}

// normalizeDir writes <name>.png for each image in dir and returns one line
// per file. Files that fail are reported and skipped.
func normalizeDir(normalizer *domainservices.AssetNormalizer, dir, outDir string, kind valueobjects.AssetKind, encode64 bool) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	var (
		lines  []string
		failed int
	)
	for _, file := range files {
		ext := strings.ToLower(filepath.Ext(file.Name()))
		if file.IsDir() || !slices.Contains(imageExtensions, ext) {
			continue
		}
		name := strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))

		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			failed++
			lines = append(lines, fmt.Sprintf("%s: %v", file.Name(), err))
			continue
		}
		asset, err := normalizer.Normalize(data, kind)
		if err != nil {
			failed++
			lines = append(lines, fmt.Sprintf("%s: %v", file.Name(), err))
			continue
		}

		if err := os.WriteFile(filepath.Join(outDir, name+".png"), asset.Data, 0o644); err != nil {
			return lines, err
		}
		if encode64 {
			encoded := base64.StdEncoding.EncodeToString(asset.Data)
			if err := os.WriteFile(filepath.Join(outDir, name+".txt"), []byte(encoded), 0o644); err != nil {
				return lines, err
			}
		}
		lines = append(lines, fmt.Sprintf("%s: %dx%d %s", file.Name(), asset.Width, asset.Height, asset.ContentHash[:12]))
	}

	if failed > 0 {
		return lines, fmt.Errorf("%d of the images could not be normalized", failed)
	}
	return lines, nil
}
