package models

// Sampling is the provider-neutral view of ProviderConfig.Options. Values
// absent from the config stay nil so each driver keeps its own default.
type Sampling struct {
	Temperature *float32
	TopP        *float32
	TopK        *int
	Seed        *int
	Stop        []string
	// NumCtx sizes the context window of local models.
	NumCtx int
	// JSONMode asks the backend for a JSON object reply when it supports it.
	JSONMode bool
}

// SamplingFrom reads the known keys of a provider options map. Values
// decoded from JSONC arrive as float64, bool and []any.
func SamplingFrom(opts map[string]any) Sampling {
	var s Sampling
	if v, ok := opts["temperature"].(float64); ok {
		f := float32(v)
		s.Temperature = &f
	}
	if v, ok := opts["top_p"].(float64); ok {
		f := float32(v)
		s.TopP = &f
	}
	if v, ok := opts["top_k"].(float64); ok {
		n := int(v)
		s.TopK = &n
	}
	if v, ok := opts["seed"].(float64); ok {
		n := int(v)
		s.Seed = &n
	}
	if v, ok := opts["num_ctx"].(float64); ok {
		s.NumCtx = int(v)
	}
	if v, ok := opts["json_mode"].(bool); ok {
		s.JSONMode = v
	}
	switch stop := opts["stop"].(type) {
	case string:
		s.Stop = []string{stop}
	case []any:
		for _, v := range stop {
			if str, ok := v.(string); ok && str != "" {
				s.Stop = append(s.Stop, str)
			}
		}
	}
	return s
}
