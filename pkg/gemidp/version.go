package gemidp

import "fmt"

var Version = "0.1.0"

// DefaultUserAgent is sent when the config names no user agent.
var DefaultUserAgent = fmt.Sprintf("zero-idp/%s", Version)
