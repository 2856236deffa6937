package common

// AuthorizationHeaderName is the HTTP header carrying the cluster token on
// outbound requests to a remote document database.
const AuthorizationHeaderName = "Authorization"

// BearerPrefix is prepended to the cluster token in AuthorizationHeaderName.
const BearerPrefix = "Bearer "
