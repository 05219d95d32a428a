package saml2

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"strings"

	_ "crypto/sha1" // OAEP MGF1-SHA1 key transport, not integrity
	_ "crypto/sha256"

	"github.com/beevik/etree"
)

// ============================================================================
// XML Encryption Algorithm URIs
// ============================================================================

const (
	// EncryptionAlgorithmAES128CBC is AES-128-CBC encryption
	EncryptionAlgorithmAES128CBC = "http://www.w3.org/2001/04/xmlenc#aes128-cbc"

	// EncryptionAlgorithmAES192CBC is AES-192-CBC encryption
	EncryptionAlgorithmAES192CBC = "http://www.w3.org/2001/04/xmlenc#aes192-cbc"

	// EncryptionAlgorithmAES256CBC is AES-256-CBC encryption
	EncryptionAlgorithmAES256CBC = "http://www.w3.org/2001/04/xmlenc#aes256-cbc"

	// EncryptionAlgorithmAES128GCM is AES-128-GCM encryption
	EncryptionAlgorithmAES128GCM = "http://www.w3.org/2009/xmlenc11#aes128-gcm"

	// EncryptionAlgorithmAES256GCM is AES-256-GCM encryption
	EncryptionAlgorithmAES256GCM = "http://www.w3.org/2009/xmlenc11#aes256-gcm"

	// KeyTransportAlgorithmRSAOAEP is RSA-OAEP with MGF1-SHA1 key transport
	KeyTransportAlgorithmRSAOAEP = "http://www.w3.org/2001/04/xmlenc#rsa-oaep-mgf1p"

	// KeyTransportAlgorithmRSAOAEPSHA256 is RSA-OAEP with SHA-256
	KeyTransportAlgorithmRSAOAEPSHA256 = "http://www.w3.org/2009/xmlenc11#rsa-oaep"

	// KeyTransportAlgorithmRSA15 is RSA PKCS#1 v1.5 (WEAK - rejected)
	KeyTransportAlgorithmRSA15 = "http://www.w3.org/2001/04/xmlenc#rsa-1_5"
)

// ============================================================================
// Assertion Decryptor
// ============================================================================

// AssertionDecryptor unwraps EncryptedAssertion elements using any of a set
// of Service Provider private keys. The key set supports rollover: keys are
// tried in order and the first one that works is used for every encrypted
// assertion in the response.
type AssertionDecryptor struct {
	keys []*rsa.PrivateKey
}

// NewAssertionDecryptor creates a decryptor over a private-key set.
func NewAssertionDecryptor(keys ...*rsa.PrivateKey) *AssertionDecryptor {
	return &AssertionDecryptor{keys: keys}
}

// DecryptResponseAssertions returns the cleartext assertion elements of a
// Response root, in document order: plain Assertion children as-is and
// EncryptedAssertion children decrypted. If any EncryptedAssertion exists
// and no configured key decrypts it, the whole response is rejected.
func (d *AssertionDecryptor) DecryptResponseAssertions(root *etree.Element) ([]*etree.Element, error) {
	var assertions []*etree.Element
	var chosen *rsa.PrivateKey

	for _, ch := range root.ChildElements() {
		switch {
		case ch.Tag == "Assertion" && ch.NamespaceURI() == AssertionNamespace:
			assertions = append(assertions, ch)

		case ch.Tag == "EncryptedAssertion" && ch.NamespaceURI() == AssertionNamespace:
			if len(d.keys) == 0 {
				return nil, newValidationError(KindNoDecryptionKey,
					"response carries encrypted assertions but no decryption keys are configured")
			}
			if chosen == nil {
				var lastErr error
				for _, key := range d.keys {
					plaintext, err := decryptEncryptedAssertion(ch, key)
					if err != nil {
						lastErr = err
						continue
					}
					el, err := parseDecryptedAssertion(plaintext)
					if err != nil {
						return nil, err
					}
					assertions = append(assertions, el)
					chosen = key
					break
				}
				if chosen == nil {
					return nil, wrapValidationError(KindDecryptionFailed,
						"no configured key decrypted the assertion", lastErr)
				}
			} else {
				// a response shares one session-key policy; a key that
				// worked once must work for every encrypted assertion
				plaintext, err := decryptEncryptedAssertion(ch, chosen)
				if err != nil {
					return nil, wrapValidationError(KindDecryptionFailed,
						"selected key failed on a later encrypted assertion", err)
				}
				el, err := parseDecryptedAssertion(plaintext)
				if err != nil {
					return nil, err
				}
				assertions = append(assertions, el)
			}
		}
	}

	return assertions, nil
}

// parseDecryptedAssertion parses decrypted octets into an Assertion element.
func parseDecryptedAssertion(plaintext []byte) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(plaintext); err != nil {
		return nil, wrapValidationError(KindDecryptionFailed, "decrypted data is not well-formed XML", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Assertion" || root.NamespaceURI() != AssertionNamespace {
		return nil, newValidationError(KindDecryptionFailed, "decrypted element is not an Assertion")
	}
	return root, nil
}

// decryptEncryptedAssertion decrypts one EncryptedAssertion element with
// the given private key.
func decryptEncryptedAssertion(encAssertion *etree.Element, key *rsa.PrivateKey) ([]byte, error) {
	encData := childElement(encAssertion, XMLEncNamespace, "EncryptedData")
	if encData == nil {
		return nil, fmt.Errorf("no EncryptedData element found")
	}

	algorithm, err := encryptionAlgorithm(encData)
	if err != nil {
		return nil, err
	}

	encKey := findEncryptedKey(encAssertion, encData)
	if encKey == nil {
		return nil, fmt.Errorf("no EncryptedKey element found")
	}

	sessionKey, err := decryptSessionKey(encKey, key)
	if err != nil {
		return nil, err
	}

	ciphertext, err := cipherValue(encData)
	if err != nil {
		return nil, err
	}

	return decryptData(ciphertext, sessionKey, algorithm)
}

// findEncryptedKey locates the EncryptedKey, which sits either inside the
// EncryptedData's KeyInfo or as a sibling under the EncryptedAssertion.
func findEncryptedKey(encAssertion, encData *etree.Element) *etree.Element {
	if keyInfo := childElement(encData, XMLDSigNamespace, "KeyInfo"); keyInfo != nil {
		if encKey := descendantElement(keyInfo, XMLEncNamespace, "EncryptedKey"); encKey != nil {
			return encKey
		}
	}
	return childElement(encAssertion, XMLEncNamespace, "EncryptedKey")
}

// descendantElement finds the first descendant with the given namespace URI
// and local name, depth first.
func descendantElement(el *etree.Element, ns, tag string) *etree.Element {
	for _, ch := range el.ChildElements() {
		if ch.Tag == tag && ch.NamespaceURI() == ns {
			return ch
		}
		if found := descendantElement(ch, ns, tag); found != nil {
			return found
		}
	}
	return nil
}

// decryptSessionKey unwraps the session key from an EncryptedKey element.
func decryptSessionKey(encKey *etree.Element, key *rsa.PrivateKey) ([]byte, error) {
	algorithm, err := encryptionAlgorithm(encKey)
	if err != nil {
		return nil, fmt.Errorf("key transport: %w", err)
	}

	ciphertext, err := cipherValue(encKey)
	if err != nil {
		return nil, fmt.Errorf("key transport: %w", err)
	}

	switch algorithm {
	case KeyTransportAlgorithmRSAOAEP:
		return key.Decrypt(rand.Reader, ciphertext, &rsa.OAEPOptions{Hash: crypto.SHA1, MGFHash: crypto.SHA1})
	case KeyTransportAlgorithmRSAOAEPSHA256:
		return key.Decrypt(rand.Reader, ciphertext, &rsa.OAEPOptions{Hash: crypto.SHA256, MGFHash: crypto.SHA256})
	case KeyTransportAlgorithmRSA15:
		return nil, fmt.Errorf("RSA 1.5 key transport is not allowed (weak algorithm)")
	default:
		return nil, fmt.Errorf("unsupported key transport algorithm: %s", algorithm)
	}
}

// decryptData decrypts the cipher value using the specified algorithm.
func decryptData(ciphertext, key []byte, algorithm string) ([]byte, error) {
	switch algorithm {
	case EncryptionAlgorithmAES128CBC, EncryptionAlgorithmAES192CBC, EncryptionAlgorithmAES256CBC:
		return decryptAESCBC(ciphertext, key)
	case EncryptionAlgorithmAES128GCM, EncryptionAlgorithmAES256GCM:
		return decryptAESGCM(ciphertext, key)
	default:
		return nil, fmt.Errorf("unsupported encryption algorithm: %s", algorithm)
	}
}

// decryptAESCBC decrypts data using AES-CBC. The IV is the first block.
func decryptAESCBC(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	if len(ciphertext) < aes.BlockSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	iv := ciphertext[:aes.BlockSize]
	ciphertext = ciphertext[aes.BlockSize:]

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of block size")
	}

	mode := cipher.NewCBCDecrypter(block, iv)
	plaintext := make([]byte, len(ciphertext))
	mode.CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

// decryptAESGCM decrypts data using AES-GCM. The nonce is the leading
// bytes; the tag trails the ciphertext.
func decryptAESGCM(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := ciphertext[:nonceSize]
	ciphertext = ciphertext[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("GCM decryption failed: %w", err)
	}

	return plaintext, nil
}

// pkcs7Unpad removes PKCS7 padding.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}

	padding := int(data[len(data)-1])
	if padding == 0 || padding > len(data) || padding > aes.BlockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for i := 0; i < padding; i++ {
		if data[len(data)-1-i] != byte(padding) {
			return nil, fmt.Errorf("invalid padding bytes")
		}
	}

	return data[:len(data)-padding], nil
}

// encryptionAlgorithm extracts the EncryptionMethod Algorithm attribute.
func encryptionAlgorithm(el *etree.Element) (string, error) {
	methodEl := childElement(el, XMLEncNamespace, "EncryptionMethod")
	if methodEl == nil {
		return "", fmt.Errorf("no EncryptionMethod element found")
	}
	algorithm := methodEl.SelectAttrValue("Algorithm", "")
	if algorithm == "" {
		return "", fmt.Errorf("no Algorithm attribute found")
	}
	return algorithm, nil
}

// cipherValue extracts and decodes the CipherData/CipherValue content.
func cipherValue(el *etree.Element) ([]byte, error) {
	cipherData := childElement(el, XMLEncNamespace, "CipherData")
	if cipherData == nil {
		return nil, fmt.Errorf("no CipherData element found")
	}
	valueEl := childElement(cipherData, XMLEncNamespace, "CipherValue")
	if valueEl == nil {
		return nil, fmt.Errorf("no CipherValue element found")
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(valueEl.Text()))
	if err != nil {
		return nil, fmt.Errorf("failed to decode cipher value: %w", err)
	}
	return data, nil
}
