// Package oauth implements the authorization code grant with PKCE: authorize
// requests, consent-aware code issuance, code and refresh token exchange,
// revocation and introspection.
//
// Codes and refresh tokens are stored only as keyed hashes. Every token minted
// from one code shares a family id, so replaying a consumed code or a rotated
// refresh token revokes the whole lineage.
package oauth
