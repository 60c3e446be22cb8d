package tunnel

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// decodeOptions decodes the free-form provider options into out. Unknown
// keys are rejected so typos surface at startup.
func decodeOptions(opts map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("build options decoder: %w", err)
	}
	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("decode tunnel options: %w", err)
	}
	return nil
}
