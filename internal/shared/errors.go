package shared

import "errors"

// ErrTenantRequired occurs when a request carries no tenant.
var ErrTenantRequired = errors.New("tenant required")
