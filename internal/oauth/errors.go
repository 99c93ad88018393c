package oauth

import "errors"

// ErrNoToken is returned when no access token has been stored for the
// environment. Run the interactive authorization flow first.
var ErrNoToken = errors.New("no stored access token")

// ErrDailyReauthRequired is returned when the access token has crossed its
// exchange-midnight expiry or the broker rejected it. Only a fresh
// interactive authorization clears it; renewal cannot.
var ErrDailyReauthRequired = errors.New("access token expired at exchange midnight, interactive re-authorization required")
