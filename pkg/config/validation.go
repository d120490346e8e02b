package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against the struct validation tags
// plus the cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if ok := asValidationErrors(err, &errs); ok {
			return fmt.Errorf("invalid configuration: %s", describeErrors(errs))
		}
		return err
	}

	if cfg.Walrus.Network == "mainnet" && cfg.Sui.PrivateKey == "" {
		return fmt.Errorf("invalid configuration: mainnet requires sui.private_key for signed publisher requests")
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	errs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = errs
	}
	return ok
}

// describeErrors renders validation failures as dotted config paths so
// the operator sees "walrus.network" instead of Go struct fields.
func describeErrors(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		path := strings.ToLower(strings.TrimPrefix(e.Namespace(), "Config."))
		if e.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %q (%s)", path, e.Tag(), e.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %q", path, e.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
