package authapi

// Route path constants
// Every platform endpoint the client calls is defined here
const (
	// Auth Routes
	RouteLogin        = "/api/auth/login"
	RouteRegister     = "/api/auth/register"
	RouteRefreshToken = "/api/auth/refresh-token"

	// Email Verification Routes
	RouteResendVerification = "/api/EmailVerification/resend"
)
