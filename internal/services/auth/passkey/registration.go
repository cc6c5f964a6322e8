package passkey

import (
	"context"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/audit"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"go.uber.org/zap"
)

const maxDeviceNameLength = 64

// FinishRegistrationRequest completes a registration ceremony. Response is
// the browser's PublicKeyCredential JSON.
type FinishRegistrationRequest struct {
	ChallengeID string
	Response    []byte
	DeviceName  string
}

// StartRegistration begins enrolling a new passkey for userID.
func (e *Engine) StartRegistration(ctx context.Context, userID, deviceName string) (*Challenge, error) {
	ctx, span := e.tracer.Start(ctx, "passkey.StartRegistration")
	defer span.End()
	ctx, cancel := bounded(ctx)
	defer cancel()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "user id is required")
	}
	account, err := e.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(account.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(account.credentials).CredentialDescriptors()))
	}
	creation, session, err := e.provider.BeginRegistration(account, options...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "begin registration", err)
	}
	return e.saveChallenge(ctx, storage.ChallengeRegistration, userID, cleanDeviceName(deviceName), "", session, creation)
}

// FinishRegistration verifies an attestation and stores the new passkey with
// a zero counter. A credential id registered to any account is rejected.
func (e *Engine) FinishRegistration(ctx context.Context, req FinishRegistrationRequest) (*storage.WebAuthnCredential, error) {
	ctx, span := e.tracer.Start(ctx, "passkey.FinishRegistration")
	defer span.End()
	ctx, cancel := bounded(ctx)
	defer cancel()

	challenge, session, err := e.consumeChallenge(ctx, req.ChallengeID, storage.ChallengeRegistration)
	if err != nil {
		return nil, err
	}
	if len(req.Response) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "credential response is required")
	}
	if challenge.UserID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "registration challenge has no user")
	}
	account, err := e.loadUser(ctx, challenge.UserID)
	if err != nil {
		return nil, err
	}
	parsed, err := e.parser.ParseCredentialCreationResponseBytes(req.Response)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "parse attestation response", err)
	}
	credential, err := e.provider.CreateCredential(account, session, parsed)
	if err != nil {
		e.logger.Info("attestation rejected", zap.String("user_id", challenge.UserID), zap.Error(err))
		return nil, apperrors.Wrap(apperrors.CodeValidation, "attestation verification failed", err)
	}

	if _, err := e.credentials.GetWebAuthnCredential(ctx, credential.ID); err == nil {
		return nil, apperrors.New(apperrors.CodeValidation, "credential is already registered")
	} else if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "check credential", err)
	}

	recordID, err := e.idGenerator()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate credential id", err)
	}
	deviceName := cleanDeviceName(req.DeviceName)
	if deviceName == "" {
		deviceName = challenge.DeviceName
	}
	record := storage.WebAuthnCredential{
		ID:              recordID,
		UserID:          challenge.UserID,
		CredentialID:    credential.ID,
		PublicKey:       credential.PublicKey,
		Counter:         0,
		AAGUID:          credential.Authenticator.AAGUID,
		DeviceName:      deviceName,
		Transports:      transportNames(credential.Transport),
		AttestationType: credential.AttestationType,
		BackupEligible:  credential.Flags.BackupEligible,
		BackupState:     credential.Flags.BackupState,
		IsActive:        true,
		CreatedAt:       e.now(),
	}
	if err := e.credentials.PutWebAuthnCredential(ctx, record); err != nil {
		if apperrors.HasCode(err, apperrors.CodeConflict) {
			return nil, apperrors.New(apperrors.CodeValidation, "credential is already registered")
		}
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "store credential", err)
	}
	e.audit.Record(ctx, audit.Event{
		Kind:         audit.KindCredentialRegistered,
		Severity:     audit.SeverityInfo,
		UserID:       record.UserID,
		CredentialID: EncodeCredentialID(record.CredentialID),
		Detail:       record.DeviceName,
	})
	return &record, nil
}

func cleanDeviceName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) > maxDeviceNameLength {
		name = name[:maxDeviceNameLength]
	}
	return name
}
