package services

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// SignedPurchase is the purchase JSON the Play Billing Library hands to the client
// together with its signature.
type SignedPurchase struct {
	OrderID             string `json:"orderId"`
	PackageName         string `json:"packageName"`
	ProductID           string `json:"productId"`
	PurchaseTime        int64  `json:"purchaseTime"`
	PurchaseState       int64  `json:"purchaseState"`
	PurchaseToken       string `json:"purchaseToken"`
	AutoRenewing        bool   `json:"autoRenewing"`
	Acknowledged        bool   `json:"acknowledged"`
	ObfuscatedAccountID string `json:"obfuscatedAccountId,omitempty"`
}

// SignatureVerifier Google Play 签名验证器
// Verifies purchase payloads against the app's RSA licensing key.
type SignatureVerifier struct {
	publicKey *rsa.PublicKey
}

// NewSignatureVerifier parses the base64 DER public key shown in the Play Console.
func NewSignatureVerifier(base64PublicKey string) (*SignatureVerifier, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64PublicKey))
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not an RSA key")
	}

	return &SignatureVerifier{publicKey: rsaKey}, nil
}

// VerifyPurchase checks the signature over signedData and only then parses it.
// A payload whose signature fails is never decoded.
func (v *SignatureVerifier) VerifyPurchase(signedData, signature string) (*SignedPurchase, error) {
	if signedData == "" || signature == "" {
		return nil, fmt.Errorf("%w: missing signed data or signature", ErrSignatureInvalid)
	}

	if err := v.verifySignature([]byte(signedData), signature); err != nil {
		return nil, err
	}

	var purchase SignedPurchase
	if err := json.Unmarshal([]byte(signedData), &purchase); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPurchase, err)
	}
	if purchase.OrderID == "" || purchase.PurchaseToken == "" {
		return nil, fmt.Errorf("%w: orderId and purchaseToken are required", ErrMalformedPurchase)
	}

	return &purchase, nil
}

// verifySignature tries RSA-SHA256, then RSA-SHA1 for payloads signed by older clients
func (v *SignatureVerifier) verifySignature(data []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrSignatureInvalid)
	}

	sum256 := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, sum256[:], sig); err == nil {
		return nil
	}

	sum1 := sha1.Sum(data)
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA1, sum1[:], sig); err == nil {
		return nil
	}

	return ErrSignatureInvalid
}
