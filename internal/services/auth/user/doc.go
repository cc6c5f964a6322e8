// Package user defines the account model and password login with lockout.
//
// Accounts are never hard-deleted; deactivation clears IsActive and every
// login path treats inactive and locked accounts the same way.
package user
