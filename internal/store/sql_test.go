package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	q := `UPDATE t SET a=?, b=? WHERE c=?`
	assert.Equal(t, q, NewSQL(nil, Dialect{Name: "sqlite"}).rebind(q))
	assert.Equal(t, `UPDATE t SET a=$1, b=$2 WHERE c=$3`, NewSQL(nil, Dialect{Name: "postgres", Numbered: true}).rebind(q))
}

func TestEncodeMetadata(t *testing.T) {
	s, err := encodeMetadata(nil)
	assert.NoError(t, err)
	assert.Equal(t, "{}", s)

	s, err = encodeMetadata(map[string]any{"filename": "office.ovpn"})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"filename":"office.ovpn"}`, s)
}
