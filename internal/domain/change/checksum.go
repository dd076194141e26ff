package change

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ClinicalFields поля, которые никогда не объединяются автоматически
var ClinicalFields = []string{"diagnosis", "medications", "allergies", "treatmentPlan"}

// Checksum возвращает SHA-256 канонического JSON представления значения.
// encoding/json сортирует ключи map, поэтому результат детерминирован.
func Checksum(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	return ChecksumBytes(raw), nil
}

// ChecksumBytes возвращает SHA-256 байтов в hex
func ChecksumBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// DataChecksum контрольная сумма данных сущности без служебных полей
func DataChecksum(data map[string]any) string {
	sum, err := Checksum(stripInternal(data))
	if err != nil {
		return ""
	}
	return sum
}

// DiffFields возвращает отсортированные пути полей, значения которых различаются.
// Вложенные объекты разворачиваются в пути через точку (clinicalInfo.medications).
// Служебные поля с префиксом "_" игнорируются.
func DiffFields(local, remote map[string]any) []string {
	var paths []string
	diffInto(&paths, "", stripInternal(local), stripInternal(remote))
	sort.Strings(paths)
	return paths
}

func diffInto(paths *[]string, prefix string, a, b map[string]any) {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}

	for k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}

		av, aok := a[k]
		bv, bok := b[k]
		am, aIsMap := av.(map[string]any)
		bm, bIsMap := bv.(map[string]any)
		if aok && bok && aIsMap && bIsMap {
			diffInto(paths, path, am, bm)
			continue
		}
		if aok != bok || !sameValue(av, bv) {
			*paths = append(*paths, path)
		}
	}
}

// sameValue сравнивает значения через JSON, чтобы 1 и 1.0 считались равными
func sameValue(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

// IsClinicalPath сообщает, относится ли путь к клинически значимому полю
func IsClinicalPath(path string) bool {
	for _, segment := range strings.Split(path, ".") {
		for _, f := range ClinicalFields {
			if segment == f {
				return true
			}
		}
	}
	return false
}

// HasClinicalPath сообщает, есть ли среди путей клинически значимые
func HasClinicalPath(paths []string) bool {
	for _, p := range paths {
		if IsClinicalPath(p) {
			return true
		}
	}
	return false
}

// CloneData возвращает глубокую копию данных сущности
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// ApplyPatch возвращает копию данных с верхнеуровневыми полями патча
func ApplyPatch(data, patch map[string]any) map[string]any {
	out := CloneData(data)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// SetPath устанавливает значение по пути через точку, создавая промежуточные объекты
func SetPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := data
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = cloneValue(value)
}

// GetPath возвращает значение по пути через точку
func GetPath(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// DeletePath удаляет значение по пути через точку
func DeletePath(data map[string]any, path string) {
	parts := strings.Split(path, ".")
	cur := data
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

func stripInternal(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}
