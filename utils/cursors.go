package utils

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/foresturquhart/searchexport/models"
	"github.com/xxtea/xxtea-go/xxtea"
)

// EncodeResumeToken turns a cursor into an opaque token a caller can hand back later
func EncodeResumeToken(cursor models.Cursor, key string) (string, error) {
	if len(cursor) == 0 {
		return "", nil
	}

	// Serialize the cursor to JSON
	jsonData, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("error encoding cursor: %w", err)
	}

	// Encrypt the JSON data using the XXTEA algorithm
	encryptedBytes := xxtea.Encrypt(jsonData, []byte(key))

	return base58.Encode(encryptedBytes), nil
}

// DecodeResumeToken reverses EncodeResumeToken. An empty token yields a nil cursor.
func DecodeResumeToken(token string, key string) (models.Cursor, error) {
	if token == "" {
		return nil, nil
	}

	decoded := base58.Decode(token)
	if len(decoded) == 0 {
		return nil, fmt.Errorf("%w: malformed resume token", ErrInvalidInput)
	}

	decryptedBytes := xxtea.Decrypt(decoded, []byte(key))
	if decryptedBytes == nil {
		return nil, fmt.Errorf("%w: resume token cannot be decrypted", ErrInvalidInput)
	}

	// Keep numeric sort values exact
	dec := json.NewDecoder(bytes.NewReader(decryptedBytes))
	dec.UseNumber()

	var cursor models.Cursor
	if err := dec.Decode(&cursor); err != nil {
		return nil, fmt.Errorf("%w: resume token is not a cursor: %v", ErrInvalidInput, err)
	}
	if len(cursor) == 0 {
		return nil, fmt.Errorf("%w: resume token holds an empty cursor", ErrInvalidInput)
	}

	return cursor, nil
}
