package crypto

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// LoadKeyRing reads armored key files and returns the combined key ring.
// Files whose content holds literal "\n" escape sequences instead of line
// breaks are unescaped first, the way keys are often pasted into env files.
func LoadKeyRing(paths ...string) (openpgp.EntityList, error) {
	var keyring openpgp.EntityList
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}

		entities, err := ParseArmoredKeys(data)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", path, err)
		}
		keyring = append(keyring, entities...)
	}
	return keyring, nil
}

// ParseArmoredKeys parses one or more armored keys.
func ParseArmoredKeys(data []byte) (openpgp.EntityList, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty key data")
	}
	if bytes.Contains(data, []byte(`\n`)) {
		data = bytes.ReplaceAll(data, []byte(`\n`), []byte("\n"))
	}

	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("no keys found")
	}
	return entities, nil
}
