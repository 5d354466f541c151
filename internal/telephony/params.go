package telephony

// providerCallIDFields are the candidate parameter names for the provider's
// call identifier, in lookup order. The exact casing differs between
// provider client versions, so every known variant is tried.
var providerCallIDFields = []string{
	"CallSid",
	"callSid",
	"CallSID",
	"call_sid",
	"CallId",
	"callId",
	"call_id",
}

// ProviderCallID extracts the provider's call identifier from raw event
// parameters. Returns "" when no candidate field carries a value.
func ProviderCallID(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	for _, field := range providerCallIDFields {
		if v, ok := params[field]; ok && v != "" {
			return v
		}
	}
	return ""
}
