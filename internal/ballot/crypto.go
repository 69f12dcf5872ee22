package ballot

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"
)

// Payload 是加密前的选票明文。
type Payload struct {
	VoterID     string `json:"voter_id"`
	CandidateID uint   `json:"candidate_id"`
	Timestamp   int64  `json:"timestamp"`
	ElectionID  string `json:"election_id"`
}

// KeyPair 持有本次选举的 RSA 密钥对，公钥加密选票，私钥留给审计。
type KeyPair struct {
	private *rsa.PrivateKey
}

const keyBits = 2048

// GenerateKeyPair 生成一对新的选举密钥。
func GenerateKeyPair() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &KeyPair{private: key}, nil
}

// LoadKeyPair 从 PEM 私钥恢复密钥对。
func LoadKeyPair(pemBytes []byte) (*KeyPair, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("invalid private key pem")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &KeyPair{private: key}, nil
}

// ExportPEM 导出 PEM 私钥，用于跨重启保存密钥。
func (k *KeyPair) ExportPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.private),
	})
}

// Encrypt 把选票明文加密为 base64 密文。
func (k *KeyPair) Encrypt(p Payload) (string, error) {
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().Unix()
	}
	plain, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	cipher, err := rsa.EncryptPKCS1v15(rand.Reader, &k.private.PublicKey, plain)
	if err != nil {
		return "", fmt.Errorf("encrypt payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(cipher), nil
}

// Decrypt 解密 base64 密文还原选票明文。
func (k *KeyPair) Decrypt(ciphertext string) (Payload, error) {
	var p Payload
	cipher, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return p, fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, k.private, cipher)
	if err != nil {
		return p, fmt.Errorf("decrypt ciphertext: %w", err)
	}
	if err := json.Unmarshal(plain, &p); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}
