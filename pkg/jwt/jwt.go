// Package jwt предоставляет проверку операторских JWT токенов на основе RS256.
// Токены выдаёт внешний административный портал своим приватным ключом,
// платёжный сервис проверяет их публичным ключом. Приватный ключ
// загружается только в инструментах выпуска токенов и в тестах.
package jwt

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims содержит данные операторского токена.
type Claims struct {
	jwt.RegisteredClaims
	OperatorID string `json:"operator_id"`    // ID оператора
	Role       string `json:"role,omitempty"` // Роль оператора (admin / auditor)
}

// Manager управляет проверкой и выпуском операторских токенов.
// Поддерживает RS256 (асимметричная криптография).
type Manager struct {
	privateKey *rsa.PrivateKey // Приватный ключ (только для issuer и тестов)
	publicKey  *rsa.PublicKey  // Публичный ключ (для верификации)
	blacklist  *Blacklist      // Blacklist для отзыва токенов (опционально)
	issuer     string          // Издатель токена
	tokenTTL   time.Duration   // Время жизни токена
}

// Config содержит параметры для создания Manager.
type Config struct {
	PrivateKeyPath string        // Путь к приватному ключу (опционально, только для issuer)
	PublicKeyPath  string        // Путь к публичному ключу (обязательно)
	Issuer         string        // Издатель токена
	TokenTTL       time.Duration // Время жизни токена
}

// NewManager создаёт новый менеджер операторских токенов.
// Если privateKeyPath пустой — менеджер работает только в режиме проверки.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		issuer:   cfg.Issuer,
		tokenTTL: cfg.TokenTTL,
	}

	// Публичный ключ обязателен: без него проверка невозможна
	publicKey, err := LoadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки публичного ключа: %w", err)
	}
	m.publicKey = publicKey

	if cfg.PrivateKeyPath != "" {
		privateKey, err := LoadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("ошибка загрузки приватного ключа: %w", err)
		}
		m.privateKey = privateKey
	}

	return m, nil
}

// NewManagerWithKeys создаёт менеджер с уже загруженными ключами.
// Используется в тестах и инструментах выпуска токенов.
func NewManagerWithKeys(publicKey *rsa.PublicKey, privateKey *rsa.PrivateKey, issuer string, ttl time.Duration) *Manager {
	return &Manager{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		tokenTTL:   ttl,
	}
}

// GenerateToken выпускает операторский токен.
// Требует наличия приватного ключа.
func (m *Manager) GenerateToken(operatorID, role string) (string, error) {
	if m.privateKey == nil {
		return "", fmt.Errorf("приватный ключ не загружен: выпуск токенов недоступен")
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),                     // jti — уникальный идентификатор токена
			Issuer:    m.issuer,                                // iss — издатель
			Subject:   operatorID,                              // sub — ID оператора
			IssuedAt:  jwt.NewNumericDate(now),                 // iat — время выдачи
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)), // exp — время истечения
		},
		OperatorID: operatorID,
		Role:       role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("ошибка подписи токена: %w", err)
	}

	return signed, nil
}

// ValidateToken проверяет токен и возвращает claims.
// Требует только публичный ключ.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Проверяем, что используется правильный алгоритм
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("неожиданный алгоритм подписи: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	})

	if err != nil {
		return nil, fmt.Errorf("ошибка валидации токена: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("невалидные claims токена")
	}

	if m.issuer != "" && claims.Issuer != m.issuer {
		return nil, fmt.Errorf("неизвестный издатель токена: %s", claims.Issuer)
	}

	return claims, nil
}

// GetTokenID возвращает jti (ID токена) без полной валидации.
// Используется для проверки blacklist до полной валидации.
func (m *Manager) GetTokenID(tokenString string) (string, error) {
	// Парсим без валидации подписи (только для извлечения jti)
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return "", fmt.Errorf("ошибка парсинга токена: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", fmt.Errorf("невалидные claims")
	}

	return claims.ID, nil
}

// CanSign возвращает true, если менеджер может подписывать токены.
func (m *Manager) CanSign() bool {
	return m.privateKey != nil
}

// SetBlacklist устанавливает blacklist для проверки отозванных токенов.
func (m *Manager) SetBlacklist(bl *Blacklist) {
	m.blacklist = bl
}

// Blacklist возвращает blacklist (для операций Add, InvalidateOperator).
func (m *Manager) Blacklist() *Blacklist {
	return m.blacklist
}

// TokenTTL возвращает время жизни токена.
// Используется для установки TTL при InvalidateOperator.
func (m *Manager) TokenTTL() time.Duration {
	return m.tokenTTL
}

// ValidateWithBlacklist проверяет токен + blacklist.
// Возвращает ошибку, если токен отозван или невалиден.
func (m *Manager) ValidateWithBlacklist(ctx context.Context, tokenString string) (*Claims, error) {
	// Сначала валидируем подпись и claims
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	// Если blacklist не настроен — возвращаем claims
	if m.blacklist == nil {
		return claims, nil
	}

	// Проверяем blacklist по jti (конкретный токен)
	blacklisted, err := m.blacklist.Check(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки blacklist: %w", err)
	}
	if blacklisted {
		return nil, fmt.Errorf("токен отозван")
	}

	// Проверяем инвалидацию оператора (массовый отзыв)
	if claims.IssuedAt != nil {
		invalidated, err := m.blacklist.IsOperatorInvalidated(ctx, claims.Subject, claims.IssuedAt.Time)
		if err != nil {
			return nil, fmt.Errorf("ошибка проверки инвалидации оператора: %w", err)
		}
		if invalidated {
			return nil, fmt.Errorf("все токены оператора отозваны")
		}
	}

	return claims, nil
}

// LoadPrivateKey загружает RSA приватный ключ из PEM файла.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("не удалось декодировать PEM блок из %s", path)
	}

	// Пробуем PKCS#1 формат (RSA PRIVATE KEY)
	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	// Пробуем PKCS#8 формат (PRIVATE KEY)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга приватного ключа: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ключ не является RSA приватным ключом")
	}

	return rsaKey, nil
}

// LoadPublicKey загружает RSA публичный ключ из PEM файла.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("не удалось декодировать PEM блок из %s", path)
	}

	// Пробуем PKIX формат (PUBLIC KEY)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// Пробуем PKCS#1 формат (RSA PUBLIC KEY)
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ключ не является RSA публичным ключом")
	}

	return rsaKey, nil
}
