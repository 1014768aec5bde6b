package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"go-beaconsoc/pkg/models"
)

const (
	// KeyPrefix 身份标识前缀
	KeyPrefix = "fp_"
	// KeyHexLen 身份标识保留的摘要长度
	KeyHexLen = 16
)

// Identity 哈希结果：对外标识、完整摘要和规范化序列化
type Identity struct {
	Key       models.IdentityKey
	Digest    string
	Canonical []byte
}

// Serialize 键排序、紧凑分隔符的确定性序列化
func Serialize(signals models.CanonicalSignals) ([]byte, error) {
	// encoding/json 对 map 键排序，输出无多余空白
	return json.Marshal(map[string]any(signals))
}

// Hash 计算身份标识，不加盐
func Hash(signals models.CanonicalSignals) (Identity, error) {
	canonical, err := Serialize(signals)
	if err != nil {
		return Identity{}, fmt.Errorf("serialize canonical signals: %w", err)
	}
	sum := sha256.Sum256(canonical)
	digest := hex.EncodeToString(sum[:])
	return Identity{
		Key:       models.IdentityKey(KeyPrefix + digest[:KeyHexLen]),
		Digest:    digest,
		Canonical: canonical,
	}, nil
}

// ValidKey 是否为 Hash 生成的标识格式：前缀加小写十六进制摘要
func ValidKey(key models.IdentityKey) bool {
	hexPart, ok := strings.CutPrefix(string(key), KeyPrefix)
	if !ok || len(hexPart) != KeyHexLen {
		return false
	}
	for _, r := range hexPart {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// Resolve 规范化并计算身份；所有信号为空时视为畸形输入
func Resolve(raw models.RawFingerprint) (models.CanonicalSignals, Identity, error) {
	signals := Canonicalize(raw)
	if signals.NonNull() == 0 {
		return signals, Identity{}, fmt.Errorf("fingerprint carries no stable signal: %w", models.ErrMalformedInput)
	}
	id, err := Hash(signals)
	if err != nil {
		return signals, Identity{}, err
	}
	return signals, id, nil
}
