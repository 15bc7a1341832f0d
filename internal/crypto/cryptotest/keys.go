// Package cryptotest provides key material for envelope codec tests.
package cryptotest

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// NewEntity generates an EdDSA/ECDH key pair. When passphrase is not empty
// the private keys are locked with it.
func NewEntity(t testing.TB, name, passphrase string) *openpgp.Entity {
	t.Helper()

	entity, err := openpgp.NewEntity(name, "test key", name+"@hostwatch.test", &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
	})
	if err != nil {
		t.Fatalf("generate key %s: %v", name, err)
	}

	if passphrase != "" {
		if err := entity.EncryptPrivateKeys([]byte(passphrase), nil); err != nil {
			t.Fatalf("lock key %s: %v", name, err)
		}
	}

	return entity
}

// PublicOnly returns a copy of entity without private key material.
func PublicOnly(t testing.TB, entity *openpgp.Entity) *openpgp.Entity {
	t.Helper()

	var buf bytes.Buffer
	if err := entity.Serialize(&buf); err != nil {
		t.Fatalf("serialize public key: %v", err)
	}
	entities, err := openpgp.ReadKeyRing(&buf)
	if err != nil {
		t.Fatalf("read public key: %v", err)
	}
	return entities[0]
}

// ArmorPublic returns the armored public key of entity.
func ArmorPublic(t testing.TB, entity *openpgp.Entity) []byte {
	t.Helper()

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor public key: %v", err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatalf("serialize public key: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close armor: %v", err)
	}
	return buf.Bytes()
}

// ArmorPrivate returns the armored private key of entity, locked or not.
func ArmorPrivate(t testing.TB, entity *openpgp.Entity) []byte {
	t.Helper()

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	if err != nil {
		t.Fatalf("armor private key: %v", err)
	}
	if err := entity.SerializePrivateWithoutSigning(w, nil); err != nil {
		t.Fatalf("serialize private key: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close armor: %v", err)
	}
	return buf.Bytes()
}

// Pair holds the key material of an agent and its controller.
type Pair struct {
	Agent      *openpgp.Entity
	Controller *openpgp.Entity
}

// AgentKeyRing is what the agent imports: its own key pair plus the
// controller's public key.
func (p *Pair) AgentKeyRing(t testing.TB) openpgp.EntityList {
	return openpgp.EntityList{p.Agent, PublicOnly(t, p.Controller)}
}

// ControllerKeyRing is the mirror image of AgentKeyRing.
func (p *Pair) ControllerKeyRing(t testing.TB) openpgp.EntityList {
	return openpgp.EntityList{p.Controller, PublicOnly(t, p.Agent)}
}

// NewPair generates agent and controller keys. The agent key is locked with
// agentPassphrase; the controller key is left unlocked.
func NewPair(t testing.TB, agentPassphrase string) *Pair {
	t.Helper()
	return &Pair{
		Agent:      NewEntity(t, "agent", agentPassphrase),
		Controller: NewEntity(t, "controller", ""),
	}
}

// WriteAgentKeyFiles writes the agent's armored private key and the
// controller's armored public key into dir and returns their paths.
func (p *Pair) WriteAgentKeyFiles(t testing.TB, dir string) (privPath, pubPath string) {
	t.Helper()

	privPath = filepath.Join(dir, "priv_key.asc")
	pubPath = filepath.Join(dir, "server_pub_key.asc")
	if err := os.WriteFile(privPath, ArmorPrivate(t, p.Agent), 0600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	if err := os.WriteFile(pubPath, ArmorPublic(t, p.Controller), 0644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privPath, pubPath
}
