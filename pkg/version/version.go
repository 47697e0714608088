package version

// Version is the current version of the call audit service
const Version = "0.1.0"

// ServiceName identifies the service in outbound event metadata
const ServiceName = "audit-service"

// UserAgent returns the User-Agent string for HTTP requests
func UserAgent() string {
	return "callaudit/" + Version
}
