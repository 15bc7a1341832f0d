// Package crypto provides the OpenPGP envelope codec used for all
// agent-to-controller traffic.
//
// Every outgoing payload is serialized to JSON, signed with the agent's
// private key and encrypted for the controller's public key. Incoming replies
// are decrypted with the agent's private key and their signature is checked
// against the imported public keys.
//
// A Codec is safe for concurrent use. Private keys are unlocked once in
// NewCodec; afterwards the key ring is only read.
package crypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/rs/zerolog"
)

// MessageType is the armor block type of an envelope.
const MessageType = "PGP MESSAGE"

var (
	// ErrNoPrivateKey indicates no local private key is available for signing.
	ErrNoPrivateKey = errors.New("no private key available for signing")
	// ErrRecipientNotFound indicates no counterparty public key was imported.
	ErrRecipientNotFound = errors.New("counterparty public key not found")
	// ErrAmbiguousRecipient indicates more than one counterparty public key was imported.
	ErrAmbiguousRecipient = errors.New("counterparty public key is ambiguous")
	// ErrNotEncrypted indicates an incoming message was not encrypted.
	ErrNotEncrypted = errors.New("message is not encrypted")
	// ErrUnverifiedSignature indicates a reply was rejected because its signature did not verify.
	ErrUnverifiedSignature = errors.New("signature verification failed")
)

// Error is returned for every failed codec operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("envelope %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Verification describes the signature check of a decrypted envelope.
type Verification struct {
	Signed   bool
	Verified bool
	SignerID uint64
	Reason   string
}

// Options configures a Codec.
type Options struct {
	// RequireSignedResponses makes DecryptAndVerify fail when the signature
	// does not verify. When false, the payload is returned with a warning.
	RequireSignedResponses bool
}

// Codec wraps and unwraps payloads into signed, encrypted envelopes.
type Codec struct {
	keyring  openpgp.EntityList
	identity *openpgp.Entity
	opts     Options
	config   *packet.Config
	logger   zerolog.Logger
}

// NewCodec creates a codec over the given key ring. The first entity holding
// a private key is the local identity; its private keys are unlocked with
// passphrase. A key ring without any private key is accepted, but every
// EncryptAndSign call will then fail with ErrNoPrivateKey.
func NewCodec(keyring openpgp.EntityList, passphrase string, opts Options, logger zerolog.Logger) (*Codec, error) {
	c := &Codec{
		keyring: keyring,
		opts:    opts,
		logger:  logger.With().Str("component", "envelope_codec").Logger(),
	}

	for _, entity := range keyring {
		if entity.PrivateKey != nil {
			c.identity = entity
			break
		}
	}

	if c.identity != nil {
		if err := c.identity.DecryptPrivateKeys([]byte(passphrase)); err != nil {
			return nil, &Error{Op: "unlock", Err: fmt.Errorf("unlock private key %s: %w", fingerprint(c.identity), err)}
		}
	}

	if c.identity == nil {
		c.logger.Warn().Int("keys", len(keyring)).Msg("no private key in key ring")
	} else {
		c.logger.Info().
			Str("identity", fingerprint(c.identity)).
			Int("keys", len(keyring)).
			Msg("envelope codec ready")
	}

	return c, nil
}

// Identity returns the local identity entity, or nil if none is loaded.
func (c *Codec) Identity() *openpgp.Entity {
	return c.identity
}

// Recipient returns the single counterparty entity: the only imported key
// that is not the local identity. Zero or several candidates are an error.
func (c *Codec) Recipient() (*openpgp.Entity, error) {
	if c.identity == nil {
		return nil, ErrNoPrivateKey
	}

	own := c.identity.PrimaryKey.Fingerprint
	var candidates []*openpgp.Entity
	for _, entity := range c.keyring {
		if bytes.Equal(entity.PrimaryKey.Fingerprint, own) {
			continue
		}
		candidates = append(candidates, entity)
	}

	switch len(candidates) {
	case 0:
		return nil, ErrRecipientNotFound
	case 1:
		return candidates[0], nil
	default:
		return nil, fmt.Errorf("%w: %d candidate keys", ErrAmbiguousRecipient, len(candidates))
	}
}

// EncryptAndSign serializes payload, signs it with the local private key and
// encrypts it for the counterparty. The result is ASCII armored.
func (c *Codec) EncryptAndSign(payload any) ([]byte, error) {
	envelope, err := c.encryptAndSign(payload)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encrypt and sign payload")
		return nil, err
	}
	return envelope, nil
}

func (c *Codec) encryptAndSign(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Op: "serialize", Err: err}
	}

	recipient, err := c.Recipient()
	if err != nil {
		return nil, &Error{Op: "encrypt", Err: err}
	}

	var buf bytes.Buffer
	armored, err := armor.Encode(&buf, MessageType, nil)
	if err != nil {
		return nil, &Error{Op: "encrypt", Err: err}
	}

	plaintext, err := openpgp.Encrypt(armored, []*openpgp.Entity{recipient}, c.identity, nil, c.config)
	if err != nil {
		return nil, &Error{Op: "encrypt", Err: err}
	}
	if _, err := plaintext.Write(data); err != nil {
		return nil, &Error{Op: "encrypt", Err: err}
	}
	if err := plaintext.Close(); err != nil {
		return nil, &Error{Op: "encrypt", Err: err}
	}
	if err := armored.Close(); err != nil {
		return nil, &Error{Op: "encrypt", Err: err}
	}

	return buf.Bytes(), nil
}

// DecryptAndVerify decrypts envelope and decodes the JSON payload into out
// (skipped when out is nil). A signature that does not verify is logged as a
// warning and reported in the returned Verification; the payload is still
// decoded unless Options.RequireSignedResponses is set.
func (c *Codec) DecryptAndVerify(envelope []byte, out any) (*Verification, error) {
	v, err := c.decryptAndVerify(envelope, out)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to decrypt and verify envelope")
		return v, err
	}
	return v, nil
}

func (c *Codec) decryptAndVerify(envelope []byte, out any) (*Verification, error) {
	var r io.Reader = bytes.NewReader(envelope)
	if block, err := armor.Decode(bytes.NewReader(envelope)); err == nil {
		r = block.Body
	}

	md, err := openpgp.ReadMessage(r, c.keyring, nil, c.config)
	if err != nil {
		return nil, &Error{Op: "decrypt", Err: err}
	}
	if !md.IsEncrypted {
		return nil, &Error{Op: "decrypt", Err: ErrNotEncrypted}
	}

	// The signature is only checked once the body has been read to EOF.
	body, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, &Error{Op: "decrypt", Err: err}
	}

	v := verification(md)
	if v.Verified {
		c.logger.Debug().Str("signer", fmt.Sprintf("%016X", v.SignerID)).Msg("signature verified")
	} else {
		c.logger.Warn().Str("reason", v.Reason).Msg("signature verification failed")
		if c.opts.RequireSignedResponses {
			return v, &Error{Op: "verify", Err: fmt.Errorf("%w: %s", ErrUnverifiedSignature, v.Reason)}
		}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return v, &Error{Op: "deserialize", Err: err}
		}
	}

	return v, nil
}

// verification summarizes the signature state of a fully read message.
func verification(md *openpgp.MessageDetails) *Verification {
	v := &Verification{
		Signed:   md.IsSigned,
		SignerID: md.SignedByKeyId,
	}

	switch {
	case !md.IsSigned:
		v.Reason = "message is not signed"
	case md.SignatureError != nil:
		v.Reason = md.SignatureError.Error()
	case md.SignedBy == nil:
		v.Reason = fmt.Sprintf("unknown signer %016X", md.SignedByKeyId)
	default:
		v.Verified = true
	}

	return v
}

func fingerprint(e *openpgp.Entity) string {
	return fmt.Sprintf("%X", e.PrimaryKey.Fingerprint)
}
