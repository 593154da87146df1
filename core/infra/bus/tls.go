package bus

import "crypto/tls"

// #nosec G402 -- only used when DEBENCH_NATS_TLS_INSECURE is set.
var tlsInsecure = tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
