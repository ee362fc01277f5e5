package envutil

import (
	"os"
	"strings"
)

// EnvVar selects the relay's runtime environment.
const EnvVar = "SSO_RELAY_ENV"

// IsDev checks if we're running in development mode, where cookies are not
// marked Secure so the relay can be exercised over plain HTTP on localhost
func IsDev() bool {
	env := strings.ToLower(os.Getenv(EnvVar))
	return env == "development" || env == "dev"
}
