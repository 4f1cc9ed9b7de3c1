package hostapi

// Error codes returned by API calls.
const (
	CodeInvalidArgument = "HOSTAPI_INVALID_ARGUMENT"
	CodeUnavailable     = "HOSTAPI_UNAVAILABLE"
)
