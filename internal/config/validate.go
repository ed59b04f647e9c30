package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/imagery"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field tags, then the combinations tags cannot express
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, describe(fe))
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	format, err := common.ParseOutputFormat(c.Format)
	if err != nil {
		return err
	}
	if format.Raster() {
		if _, err := format.CreationOptions(c.Compression, c.JPEGQuality); err != nil {
			return fmt.Errorf("%w: %v", imagery.ErrUnsupportedCompression, err)
		}
		if _, err := imagery.NewMerger(c.Backend); err != nil {
			return err
		}
		if c.Backend == "native" || c.Backend == "" {
			if err := imagery.ValidateCompression(format, c.Compression, c.JPEGQuality); err != nil {
				return err
			}
		}
	}
	if c.Grouping == "quadkey" && c.GroupZoom > c.Zoom {
		return fmt.Errorf("group_zoom %d is deeper than zoom %d", c.GroupZoom, c.Zoom)
	}

	if _, err := common.NormalizeResourceType(c.API.ResourceType); err != nil {
		return err
	}
	if _, err := common.NormalizeMosaic(c.API.Mosaic); err != nil {
		return err
	}
	if err := common.ValidateDateFilter("since", c.API.Since); err != nil {
		return err
	}
	return common.ValidateDateFilter("until", c.API.Until)
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("%s must be at least %s, got %v", field, fe.Param(), fe.Value())
	case "max":
		return fmt.Sprintf("%s must be at most %s, got %v", field, fe.Param(), fe.Value())
	case "url":
		return fmt.Sprintf("%s must be a URL, got %v", field, fe.Value())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
