// Package ippolicy decides whether a client address may reach the auth
// endpoints, using global and per-application allow and deny rules.
//
// Deny rules always win. Allow rules switch an application into allow-list
// mode: once any live allow rule applies, addresses outside every allow rule
// are refused.
package ippolicy
