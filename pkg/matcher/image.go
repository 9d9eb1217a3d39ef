package matcher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/payload"
)

// ImageUpload matches events carrying at least one image.
type ImageUpload struct{}

func (ImageUpload) Evaluate(event models.TriggerEvent, _ string, config map[string]any) models.TriggerMatchResult {
	images := payload.Images(event.Data)
	if len(images) == 0 {
		return models.NoMatch()
	}

	ctx := map[string]any{"image_count": len(images), "image_url": images[0].URL}

	type check struct {
		name string
		ok   func(payload.Image) bool
	}

	var checks []check

	if types := configStrings(config, "file_types"); len(types) > 0 {
		checks = append(checks, check{
			name: "file_type in " + strings.Join(types, ","),
			ok: func(img payload.Image) bool {
				ext := img.Extension()
				mime := strings.ToLower(img.MimeType)

				for _, t := range types {
					t = strings.ToLower(strings.TrimPrefix(t, "."))
					if t == ext || mime == t || strings.TrimPrefix(mime, "image/") == t {
						return true
					}
				}

				return false
			},
		})
	}

	if _, ok := config["max_size"]; ok {
		limit := configFloat(config, "max_size", 0)
		checks = append(checks, check{
			name: fmt.Sprintf("size <= %g", limit),
			ok:   func(img payload.Image) bool { return !img.HasSize || img.Size <= limit },
		})
	}

	if _, ok := config["min_size"]; ok {
		limit := configFloat(config, "min_size", 0)
		checks = append(checks, check{
			name: fmt.Sprintf("size >= %g", limit),
			ok:   func(img payload.Image) bool { return !img.HasSize || img.Size >= limit },
		})
	}

	if pattern := configString(config, "file_name_pattern"); pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			ctx["condition_error"] = err.Error()
			re = nil
		}

		checks = append(checks, check{
			name: "file_name matches " + pattern,
			ok:   func(img payload.Image) bool { return re != nil && re.MatchString(img.FileName()) },
		})
	}

	if len(checks) == 0 {
		return matched(1.0, []string{"image_uploaded"}, ctx)
	}

	passed := []string{"image_uploaded"}
	count := 0

	for _, c := range checks {
		for _, img := range images {
			if c.ok(img) {
				count++

				passed = append(passed, c.name)

				break
			}
		}
	}

	requireAll := configBool(config, "require_all", true)
	if (requireAll && count < len(checks)) || count == 0 {
		return models.NoMatch()
	}

	return matched(float64(count)/float64(len(checks)), passed, ctx)
}
