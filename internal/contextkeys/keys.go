package contextkeys

// CtxKey is a custom type for context keys to avoid collisions.
type CtxKey string

// VerifiedBodyKey is the key under which the signature-verified raw request
// body is stored in the request context.
const VerifiedBodyKey CtxKey = "verifiedBody"
