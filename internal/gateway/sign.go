// Package gateway предоставляет клиент платёжного шлюза epusdt.
package gateway

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// SignMode задаёт способ присоединения секрета к канонической строке.
// Разные развёртывания шлюза принимают разные варианты, поэтому клиент
// перебирает режимы по порядку при явной ошибке подписи.
type SignMode string

const (
	// SignModeConcat — секрет присоединяется к строке напрямую.
	SignModeConcat SignMode = "concat"
	// SignModeAmpToken — секрет присоединяется как "&token=<секрет>".
	SignModeAmpToken SignMode = "amp_token"
	// SignModeAmpKey — секрет присоединяется как "&key=<секрет>".
	SignModeAmpKey SignMode = "amp_key"
)

// SignModes — порядок перебора режимов подписи.
var SignModes = []SignMode{SignModeConcat, SignModeAmpToken, SignModeAmpKey}

// BuildSignSource собирает каноническую строку подписи: пары key=value,
// отсортированные по ключу и соединённые "&". Поле signature и пустые
// значения не участвуют.
func BuildSignSource(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "signature" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, strings.TrimSpace(k+"="+params[k]))
	}
	return strings.Join(pairs, "&")
}

// Sign возвращает MD5-подпись параметров в шестнадцатеричном виде
// для указанного режима.
func Sign(params map[string]string, token string, mode SignMode) string {
	source := BuildSignSource(params)

	var material string
	switch mode {
	case SignModeAmpToken:
		material = source + "&token=" + token
	case SignModeAmpKey:
		material = source + "&key=" + token
	default:
		material = source + token
	}

	sum := md5.Sum([]byte(material))
	return hex.EncodeToString(sum[:])
}

// CanonicalAmount форматирует сумму для строки подписи: без хвостовых
// нулей дробной части, так же значение сериализуется в теле запроса.
func CanonicalAmount(d decimal.Decimal) string {
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}

// VerifySignature проверяет подпись входящего callback-а. Шлюз подписывает
// callback-и базовым режимом, сравнение регистронезависимое.
func VerifySignature(params map[string]string, signature, token string) bool {
	if signature == "" {
		return false
	}
	expected := Sign(params, token, SignModeConcat)
	return strings.EqualFold(expected, signature)
}
