package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"github.com/louisbranch/gatehouse/internal/services/auth/user"
)

var testNow = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreDBNilSafe(t *testing.T) {
	var store *Store
	if store.DB() != nil {
		t.Fatal("expected nil DB for nil store")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}

func TestPutGetUserRoundTrip(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	input := user.User{
		ID:           "user-1",
		Email:        "alice@example.com",
		DisplayName:  "Alice",
		PasswordHash: "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		IsActive:     true,
		CreatedAt:    testNow,
		UpdatedAt:    testNow.Add(time.Hour),
	}
	if err := store.PutUser(ctx, input); err != nil {
		t.Fatalf("put user: %v", err)
	}

	got, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Email != input.Email || got.DisplayName != input.DisplayName || !got.IsActive {
		t.Fatalf("unexpected user: %+v", got)
	}
	if !got.UpdatedAt.Equal(input.UpdatedAt) {
		t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, input.UpdatedAt)
	}

	byEmail, err := store.GetUserByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get user by email: %v", err)
	}
	if byEmail.ID != "user-1" {
		t.Fatalf("id = %q, want user-1", byEmail.ID)
	}
}

func TestPutUserRequiresID(t *testing.T) {
	store := openTempStore(t)

	if err := store.PutUser(context.Background(), user.User{ID: "  ", Email: "a@example.com"}); err == nil {
		t.Fatal("expected error for blank id")
	}
}

func TestPutUserDuplicateEmailConflicts(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	seedUser(t, store, "user-1", "same@example.com")
	err := store.PutUser(ctx, user.User{ID: "user-2", Email: "same@example.com", CreatedAt: testNow, UpdatedAt: testNow})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestGetUserNotFound(t *testing.T) {
	store := openTempStore(t)

	_, err := store.GetUser(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFailedLoginCounters(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedUser(t, store, "user-1", "alice@example.com")

	for want := 1; want <= 3; want++ {
		got, err := store.IncrementFailedLogins(ctx, "user-1", testNow)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("attempts = %d, want %d", got, want)
		}
	}

	until := testNow.Add(15 * time.Minute)
	if err := store.LockUser(ctx, "user-1", until, testNow); err != nil {
		t.Fatalf("lock user: %v", err)
	}
	locked, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if locked.LockedUntil == nil || !locked.LockedUntil.Equal(until) {
		t.Fatalf("locked_until = %v, want %v", locked.LockedUntil, until)
	}

	if err := store.ResetFailedLogins(ctx, "user-1", testNow); err != nil {
		t.Fatalf("reset: %v", err)
	}
	reset, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if reset.FailedLoginAttempts != 0 || reset.LockedUntil != nil {
		t.Fatalf("expected cleared counters, got %+v", reset)
	}

	if _, err := store.IncrementFailedLogins(ctx, "missing", testNow); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClientAndScopeRoundTrip(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	client := storage.Client{
		ID:                      "client-1",
		Name:                    "Console",
		RedirectURIs:            []string{"https://app.example.com/cb"},
		AllowedScopes:           []string{"openid", "profile"},
		TokenEndpointAuthMethod: "none",
		CreatedAt:               testNow,
		UpdatedAt:               testNow,
	}
	if err := store.PutClient(ctx, client); err != nil {
		t.Fatalf("put client: %v", err)
	}
	got, err := store.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != "https://app.example.com/cb" {
		t.Fatalf("redirect uris = %v", got.RedirectURIs)
	}
	if len(got.AllowedScopes) != 2 {
		t.Fatalf("allowed scopes = %v", got.AllowedScopes)
	}

	for _, s := range []storage.Scope{
		{Code: "openid", IsActive: true},
		{Code: "profile", IsActive: false},
	} {
		if err := store.PutScope(ctx, s); err != nil {
			t.Fatalf("put scope: %v", err)
		}
	}
	scopes, err := store.GetScopes(ctx, []string{"openid", "profile", "unknown"})
	if err != nil {
		t.Fatalf("get scopes: %v", err)
	}
	if len(scopes) != 2 {
		t.Fatalf("scopes = %+v, want 2 entries", scopes)
	}
}

func TestTryConsumeAuthorizationCodeSingleWinner(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	code := storage.AuthorizationCode{
		ID:                  "code-1",
		CodeHash:            "hash-1",
		ClientID:            "client-1",
		UserID:              "user-1",
		RedirectURI:         "https://app.example.com/cb",
		Scopes:              []string{"openid"},
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		FamilyID:            "family-1",
		ExpiresAt:           testNow.Add(10 * time.Minute),
		CreatedAt:           testNow,
	}
	if err := store.PutAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("put code: %v", err)
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.TryConsumeAuthorizationCode(ctx, "hash-1")
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
	stored, err := store.GetAuthorizationCodeByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("get code: %v", err)
	}
	if !stored.Used {
		t.Fatal("expected code to be marked used")
	}
}

func TestTryConsumeUnknownCode(t *testing.T) {
	store := openTempStore(t)

	ok, err := store.TryConsumeAuthorizationCode(context.Background(), "missing")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if ok {
		t.Fatal("expected no consumption for unknown code")
	}
}

func TestPendingAuthorizationAttachUser(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	pending := storage.PendingAuthorization{
		ID:                  "pending-1",
		ClientID:            "client-1",
		RedirectURI:         "https://app.example.com/cb",
		Scopes:              []string{"openid"},
		State:               "xyz",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           testNow,
		ExpiresAt:           testNow.Add(15 * time.Minute),
	}
	if err := store.PutPendingAuthorization(ctx, pending); err != nil {
		t.Fatalf("put pending: %v", err)
	}
	pending.UserID = "user-1"
	pending.ConsentTokenHash = "consent-hash"
	pending.State = "ignored"
	if err := store.PutPendingAuthorization(ctx, pending); err != nil {
		t.Fatalf("attach user: %v", err)
	}

	got, err := store.GetPendingAuthorization(ctx, "pending-1")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if got.UserID != "user-1" || got.ConsentTokenHash != "consent-hash" || got.State != "xyz" {
		t.Fatalf("unexpected pending: %+v", got)
	}

	if err := store.DeleteExpiredPendingAuthorizations(ctx, testNow.Add(time.Hour)); err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if _, err := store.GetPendingAuthorization(ctx, "pending-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeletePendingAuthorizationOnce(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	pending := storage.PendingAuthorization{
		ID:          "pending-2",
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/cb",
		Scopes:      []string{"openid"},
		CreatedAt:   testNow,
		ExpiresAt:   testNow.Add(15 * time.Minute),
	}
	if err := store.PutPendingAuthorization(ctx, pending); err != nil {
		t.Fatalf("put pending: %v", err)
	}
	if err := store.DeletePendingAuthorization(ctx, "pending-2"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := store.DeletePendingAuthorization(ctx, "pending-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestTokenRotationAndFamilyRevoke(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	for _, token := range []storage.Token{
		{ID: "t1", TokenHash: "access-1", Kind: storage.TokenKindAccess, FamilyID: "fam", ClientID: "c", UserID: "u"},
		{ID: "t2", TokenHash: "refresh-1", Kind: storage.TokenKindRefresh, FamilyID: "fam", ClientID: "c", UserID: "u"},
		{ID: "t3", TokenHash: "other", Kind: storage.TokenKindRefresh, FamilyID: "other-fam", ClientID: "c", UserID: "u"},
	} {
		token.ExpiresAt = testNow.Add(time.Hour)
		token.CreatedAt = testNow
		if err := store.PutToken(ctx, token); err != nil {
			t.Fatalf("put token: %v", err)
		}
	}

	ok, err := store.RotateRefreshToken(ctx, "refresh-1", testNow)
	if err != nil || !ok {
		t.Fatalf("rotate = %v, %v; want true", ok, err)
	}
	ok, err = store.RotateRefreshToken(ctx, "refresh-1", testNow)
	if err != nil || ok {
		t.Fatalf("second rotate = %v, %v; want false", ok, err)
	}
	ok, err = store.RotateRefreshToken(ctx, "access-1", testNow)
	if err != nil || ok {
		t.Fatalf("rotate access = %v, %v; want false", ok, err)
	}

	revoked, err := store.RevokeTokenFamily(ctx, "fam", testNow)
	if err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("revoked = %d, want 2", revoked)
	}
	access, err := store.GetTokenByHash(ctx, "access-1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if access.Active(testNow) {
		t.Fatal("expected access token inactive after family revoke")
	}
	other, err := store.GetTokenByHash(ctx, "other")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if !other.Active(testNow) {
		t.Fatal("expected unrelated family untouched")
	}

	if err := store.RevokeToken(ctx, "access-1", testNow.Add(time.Minute)); err != nil {
		t.Fatalf("revoke again: %v", err)
	}
	again, err := store.GetTokenByHash(ctx, "access-1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if again.RevokedAt == nil || !again.RevokedAt.Equal(testNow) {
		t.Fatalf("revoked_at = %v, want first revoke time", again.RevokedAt)
	}
}

func TestPutTokenRefusesRevokedFamily(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	revoked, err := store.RevokeTokenFamily(ctx, "fam", testNow)
	if err != nil {
		t.Fatalf("revoke empty family: %v", err)
	}
	if revoked != 0 {
		t.Fatalf("revoked = %d, want 0", revoked)
	}

	late := storage.Token{
		ID: "t1", TokenHash: "access-1", Kind: storage.TokenKindAccess, FamilyID: "fam",
		ClientID: "c", UserID: "u", ExpiresAt: testNow.Add(time.Hour), CreatedAt: testNow,
	}
	if err := store.PutToken(ctx, late); !errors.Is(err, storage.ErrFamilyRevoked) {
		t.Fatalf("put token err = %v, want ErrFamilyRevoked", err)
	}
	if _, err := store.GetTokenByHash(ctx, "access-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get token err = %v, want ErrNotFound", err)
	}

	if err := store.DeleteTokensExpiredBefore(ctx, testNow.Add(revokedFamilyRetention+time.Minute)); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := store.PutToken(ctx, late); err != nil {
		t.Fatalf("put token after retention: %v", err)
	}
}

func TestMergeConsentUnionsScopes(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	first, err := store.MergeConsent(ctx, storage.Consent{
		ID: "consent-1", UserID: "u", ClientID: "c", Scopes: []string{"openid"},
		GrantedAt: testNow, UpdatedAt: testNow,
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if first.ID != "consent-1" {
		t.Fatalf("id = %q, want consent-1", first.ID)
	}

	second, err := store.MergeConsent(ctx, storage.Consent{
		ID: "consent-2", UserID: "u", ClientID: "c", Scopes: []string{"email", "openid"},
		GrantedAt: testNow.Add(time.Hour), UpdatedAt: testNow.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if second.ID != "consent-1" {
		t.Fatalf("id = %q, want original record kept", second.ID)
	}
	if len(second.Scopes) != 2 || second.Scopes[0] != "email" || second.Scopes[1] != "openid" {
		t.Fatalf("scopes = %v, want [email openid]", second.Scopes)
	}
	if !second.GrantedAt.Equal(testNow) {
		t.Fatalf("granted_at = %v, want %v", second.GrantedAt, testNow)
	}

	if err := store.DeleteConsent(ctx, "u", "c"); err != nil {
		t.Fatalf("delete consent: %v", err)
	}
	if _, err := store.GetConsent(ctx, "u", "c"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMergeConsentConcurrent(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	scopes := []string{"a", "b", "c", "d", "e", "f"}
	var wg sync.WaitGroup
	for i, code := range scopes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.MergeConsent(ctx, storage.Consent{
				ID: "consent-" + code, UserID: "u", ClientID: "c", Scopes: []string{code},
				GrantedAt: testNow.Add(time.Duration(i) * time.Second), UpdatedAt: testNow,
			})
			if err != nil {
				t.Errorf("merge %s: %v", code, err)
			}
		}()
	}
	wg.Wait()

	got, err := store.GetConsent(ctx, "u", "c")
	if err != nil {
		t.Fatalf("get consent: %v", err)
	}
	if len(got.Scopes) != len(scopes) {
		t.Fatalf("scopes = %v, want all of %v", got.Scopes, scopes)
	}
}

func TestWebAuthnCredentialUniqueAndCounter(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	credential := storage.WebAuthnCredential{
		ID:           "cred-1",
		UserID:       "user-1",
		CredentialID: []byte("credential-id"),
		PublicKey:    []byte("public-key"),
		Counter:      5,
		Transports:   []string{"internal"},
		IsActive:     true,
		CreatedAt:    testNow,
	}
	if err := store.PutWebAuthnCredential(ctx, credential); err != nil {
		t.Fatalf("put credential: %v", err)
	}
	dup := credential
	dup.ID = "cred-2"
	dup.UserID = "user-2"
	if err := store.PutWebAuthnCredential(ctx, dup); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	tests := []struct {
		name    string
		counter uint32
		want    bool
	}{
		{name: "equal rejected", counter: 5, want: false},
		{name: "lower rejected", counter: 4, want: false},
		{name: "higher accepted", counter: 6, want: true},
		{name: "replay of accepted rejected", counter: 6, want: false},
	}
	for _, tc := range tests {
		got, err := store.TryAdvanceCounter(ctx, credential.CredentialID, tc.counter, testNow)
		if err != nil {
			t.Fatalf("%s: advance: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: advanced = %v, want %v", tc.name, got, tc.want)
		}
	}

	stored, err := store.GetWebAuthnCredential(ctx, credential.CredentialID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.Counter != 6 || stored.LastUsedAt == nil {
		t.Fatalf("unexpected credential: %+v", stored)
	}
}

func TestTryAdvanceCounterZeroAllowed(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	credential := storage.WebAuthnCredential{
		ID: "cred-1", UserID: "user-1", CredentialID: []byte("zero"), PublicKey: []byte("pk"),
		IsActive: true, CreatedAt: testNow,
	}
	if err := store.PutWebAuthnCredential(ctx, credential); err != nil {
		t.Fatalf("put credential: %v", err)
	}
	for i := 0; i < 2; i++ {
		ok, err := store.TryAdvanceCounter(ctx, credential.CredentialID, 0, testNow)
		if err != nil || !ok {
			t.Fatalf("advance zero = %v, %v; want true", ok, err)
		}
	}
}

func TestDeactivateWebAuthnCredential(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	credential := storage.WebAuthnCredential{
		ID: "cred-1", UserID: "user-1", CredentialID: []byte("cid"), PublicKey: []byte("pk"),
		IsActive: true, CreatedAt: testNow,
	}
	if err := store.PutWebAuthnCredential(ctx, credential); err != nil {
		t.Fatalf("put credential: %v", err)
	}
	if err := store.DeactivateWebAuthnCredential(ctx, "user-2", credential.CredentialID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for other user", err)
	}
	if err := store.DeactivateWebAuthnCredential(ctx, "user-1", credential.CredentialID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	list, err := store.ListWebAuthnCredentials(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("credentials = %d, want 0", len(list))
	}
}

func TestConsumeWebAuthnChallengeSingleUse(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	challenge := storage.WebAuthnChallenge{
		ID:          "challenge-1",
		UserID:      "user-1",
		Challenge:   "abc",
		Type:        storage.ChallengeRegistration,
		SessionJSON: []byte(`{"challenge":"abc"}`),
		ExpiresAt:   testNow.Add(5 * time.Minute),
		CreatedAt:   testNow,
	}
	if err := store.PutWebAuthnChallenge(ctx, challenge); err != nil {
		t.Fatalf("put challenge: %v", err)
	}

	got, err := store.ConsumeWebAuthnChallenge(ctx, "challenge-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Type != storage.ChallengeRegistration || string(got.SessionJSON) != `{"challenge":"abc"}` {
		t.Fatalf("unexpected challenge: %+v", got)
	}
	if _, err := store.ConsumeWebAuthnChallenge(ctx, "challenge-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPutWebAuthnChallengeRejectsUnknownType(t *testing.T) {
	store := openTempStore(t)

	err := store.PutWebAuthnChallenge(context.Background(), storage.WebAuthnChallenge{ID: "c", Type: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown challenge type")
	}
}

func TestListIPRulesGlobalAndApp(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	for _, rule := range []storage.IPRule{
		{ID: "global", IPRange: "10.0.0.0/8", Type: storage.RuleBlacklist, CreatedAt: testNow},
		{ID: "app-a", AppID: "a", IPAddress: "10.1.1.1", Type: storage.RuleWhitelist, CreatedAt: testNow.Add(time.Minute)},
		{ID: "app-b", AppID: "b", IPAddress: "10.2.2.2", Type: storage.RuleWhitelist, CreatedAt: testNow},
	} {
		if err := store.PutIPRule(ctx, rule); err != nil {
			t.Fatalf("put rule: %v", err)
		}
	}

	rules, err := store.ListIPRules(ctx, "a")
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 2 || rules[0].ID != "app-a" || rules[1].ID != "global" {
		t.Fatalf("rules = %+v, want [app-a global]", rules)
	}

	global, err := store.ListIPRules(ctx, "")
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(global) != 1 {
		t.Fatalf("global rules = %d, want 1", len(global))
	}

	if err := store.DeleteIPRule(ctx, "global"); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	if err := store.DeleteIPRule(ctx, "global"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAPIKeyPrefixLookupAndRevoke(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	key := storage.APIKey{
		ID: "key-1", Name: "ci", OwnerID: "user-1", KeyPrefix: "gh_abcd1234",
		KeyHash: "hash", Scopes: []string{"admin"}, CreatedAt: testNow,
	}
	if err := store.PutAPIKey(ctx, key); err != nil {
		t.Fatalf("put key: %v", err)
	}
	got, err := store.GetAPIKeyByPrefix(ctx, "gh_abcd1234")
	if err != nil {
		t.Fatalf("get by prefix: %v", err)
	}
	if got.ID != "key-1" || got.KeyHash != "hash" {
		t.Fatalf("unexpected key: %+v", got)
	}

	if err := store.ReplaceAPIKeySecret(ctx, "key-1", "gh_efgh5678", "hash-2"); err != nil {
		t.Fatalf("replace secret: %v", err)
	}
	if _, err := store.GetAPIKeyByPrefix(ctx, "gh_abcd1234"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for old prefix", err)
	}

	if err := store.RevokeAPIKey(ctx, "key-1", testNow); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := store.GetAPIKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if revoked.RevokedAt == nil {
		t.Fatal("expected revoked_at to be set")
	}
	if err := store.ReplaceAPIKeySecret(ctx, "key-1", "gh_zzzz0000", "hash-3"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for revoked key", err)
	}
}

func TestWebhooksForEvent(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	for _, hook := range []storage.Webhook{
		{ID: "h1", OwnerID: "u", URL: "https://a.example.com", Events: []string{"user.created"}, IsActive: true},
		{ID: "h2", OwnerID: "u", URL: "https://b.example.com", Events: []string{"*"}, IsActive: true},
		{ID: "h3", OwnerID: "u", URL: "https://c.example.com", Events: []string{"user.created"}, IsActive: false},
		{ID: "h4", OwnerID: "u", URL: "https://d.example.com", Events: []string{"token.revoked"}, IsActive: true},
	} {
		hook.SecretPrefix = "whsec_" + hook.ID
		hook.SealedSecret = "sealed"
		hook.CreatedAt = testNow
		if err := store.PutWebhook(ctx, hook); err != nil {
			t.Fatalf("put webhook: %v", err)
		}
	}

	hooks, err := store.ListWebhooksForEvent(ctx, "user.created")
	if err != nil {
		t.Fatalf("list webhooks: %v", err)
	}
	if len(hooks) != 2 || hooks[0].ID != "h1" || hooks[1].ID != "h2" {
		t.Fatalf("hooks = %+v, want [h1 h2]", hooks)
	}

	if err := store.ReplaceWebhookSecret(ctx, "h1", "whsec_new", "sealed-2"); err != nil {
		t.Fatalf("replace secret: %v", err)
	}
	got, err := store.GetWebhook(ctx, "h1")
	if err != nil {
		t.Fatalf("get webhook: %v", err)
	}
	if got.SecretPrefix != "whsec_new" || got.SealedSecret != "sealed-2" {
		t.Fatalf("unexpected webhook: %+v", got)
	}
}

func TestWebhookDeliveryLeaseLifecycle(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.PutWebhook(ctx, storage.Webhook{
		ID: "h1", OwnerID: "u", URL: "https://a.example.com", Events: []string{"*"},
		SecretPrefix: "whsec_x", SealedSecret: "sealed", IsActive: true, CreatedAt: testNow,
	}); err != nil {
		t.Fatalf("put webhook: %v", err)
	}
	for _, delivery := range []storage.WebhookDelivery{
		{ID: "d1", NextAttemptAt: testNow},
		{ID: "d2", NextAttemptAt: testNow.Add(time.Hour)},
	} {
		delivery.WebhookID = "h1"
		delivery.Event = "user.created"
		delivery.Payload = []byte(`{}`)
		delivery.CreatedAt = testNow
		delivery.UpdatedAt = testNow
		if err := store.EnqueueWebhookDelivery(ctx, delivery); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	leased, err := store.LeaseWebhookDeliveries(ctx, "worker-a", 10, testNow, time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(leased) != 1 || leased[0].ID != "d1" || leased[0].Status != storage.DeliveryLeased {
		t.Fatalf("leased = %+v, want d1 leased", leased)
	}

	again, err := store.LeaseWebhookDeliveries(ctx, "worker-b", 10, testNow.Add(30*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("leased = %d, want 0 while lease is held", len(again))
	}

	reclaimed, err := store.LeaseWebhookDeliveries(ctx, "worker-b", 10, testNow.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].LeaseOwner != "worker-b" {
		t.Fatalf("reclaimed = %+v, want d1 for worker-b", reclaimed)
	}

	if err := store.RecordWebhookAttempt(ctx, "d1", "worker-a", 500, "late", testNow); !errors.Is(err, storage.ErrLeaseLost) {
		t.Fatalf("stale owner record err = %v, want ErrLeaseLost", err)
	}
	if err := store.ExtendWebhookLease(ctx, "d1", "worker-a", testNow, time.Minute); !errors.Is(err, storage.ErrLeaseLost) {
		t.Fatalf("stale owner extend err = %v, want ErrLeaseLost", err)
	}
	if err := store.CompleteWebhookDelivery(ctx, "d1", "worker-a", storage.DeliveryFailed, testNow); !errors.Is(err, storage.ErrLeaseLost) {
		t.Fatalf("stale owner complete err = %v, want ErrLeaseLost", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.RecordWebhookAttempt(ctx, "d1", "worker-b", 500, "server error", testNow); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
	}
	if err := store.CompleteWebhookDelivery(ctx, "d1", "worker-b", storage.DeliveryDelivered, testNow); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, err := store.GetWebhookDelivery(ctx, "d1")
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if done.AttemptCount != 2 || done.LastStatusCode != 500 || done.Status != storage.DeliveryDelivered {
		t.Fatalf("unexpected delivery: %+v", done)
	}
	if done.DeliveredAt == nil || done.LeaseExpiresAt != nil {
		t.Fatalf("expected delivered_at set and lease cleared: %+v", done)
	}

	if err := store.CompleteWebhookDelivery(ctx, "d1", "worker-b", storage.DeliveryLeased, testNow); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
	if err := store.CompleteWebhookDelivery(ctx, "d1", "worker-b", storage.DeliveryFailed, testNow); !errors.Is(err, storage.ErrLeaseLost) {
		t.Fatalf("complete after release err = %v, want ErrLeaseLost", err)
	}
}

func TestExtendWebhookLeaseKeepsDeliveryFromOtherWorkers(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.PutWebhook(ctx, storage.Webhook{
		ID: "h1", OwnerID: "u", URL: "https://a.example.com", Events: []string{"*"},
		SecretPrefix: "whsec_x", SealedSecret: "sealed", IsActive: true, CreatedAt: testNow,
	}); err != nil {
		t.Fatalf("put webhook: %v", err)
	}
	if err := store.EnqueueWebhookDelivery(ctx, storage.WebhookDelivery{
		ID: "d1", WebhookID: "h1", Event: "user.created", Payload: []byte(`{}`),
		NextAttemptAt: testNow, CreatedAt: testNow, UpdatedAt: testNow,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.LeaseWebhookDeliveries(ctx, "worker-a", 1, testNow, time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := store.ExtendWebhookLease(ctx, "d1", "worker-a", testNow.Add(50*time.Second), time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}

	stolen, err := store.LeaseWebhookDeliveries(ctx, "worker-b", 1, testNow.Add(90*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(stolen) != 0 {
		t.Fatalf("leased = %+v, want none while the extended lease is held", stolen)
	}
}

func TestStoreRejectsCanceledContext(t *testing.T) {
	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.GetUser(ctx, "user-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func seedUser(t *testing.T, store *Store, id, email string) {
	t.Helper()
	if err := store.PutUser(context.Background(), user.User{
		ID: id, Email: email, IsActive: true, CreatedAt: testNow, UpdatedAt: testNow,
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
