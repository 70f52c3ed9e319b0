package internal

// Version is reported by /api/status and the --version flag.
const Version = "0.3.0"
