package ir

// Version is the rxlog release version, reported by the CLI and attached
// to telemetry resources.
const Version = "0.1.0"
