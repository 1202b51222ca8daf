package store

import "blobgate/pkg/config"

func mapLookup(m map[string]string) config.Lookup {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}
