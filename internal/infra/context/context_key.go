package context

// contextKey is the private key type for values this package stores in a context.
type contextKey string
