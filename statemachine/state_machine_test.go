package statemachine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKV_decodeCmd(t *testing.T) {
	var sm KV
	tt := []struct {
		name        string
		msg         []byte
		expectedCmd command
		expectErr   bool
	}{
		{
			name:        "put command",
			msg:         []byte{0x01, 0x00, 0x00, 0x00, 0x03, 'k', 'e', 'y', 0x00, 0x00, 0x00, 0x05, 'v', 'a', 'l', 'u', 'e'},
			expectedCmd: command{kind: cmdPut, key: "key", value: "value"},
		},
		{
			name:      "invalid key length",
			msg:       []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF},
			expectErr: true,
		},
		{
			name:      "message too short for value length",
			msg:       []byte{0x01, 0x00, 0x00, 0x00, 0x03, 'k', 'e', 'y', 0x00, 0x00, 0x00},
			expectErr: true,
		},
		{
			name:      "invalid value length",
			msg:       []byte{0x01, 0x00, 0x00, 0x00, 0x03, 'k', 'e', 'y', 0xFF, 0xFF, 0xFF, 0xFF},
			expectErr: true,
		},
		{
			name:        "get command",
			msg:         []byte{0x00, 0x00, 0x00, 0x00, 0x03, 'k', 'e', 'y'},
			expectedCmd: command{kind: cmdGet, key: "key"},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			res, err := sm.decodeCmd(tc.msg)
			if tc.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expectedCmd, res)
		})
	}
}

func TestKV_encodeCmd(t *testing.T) {
	var sm KV
	tt := []struct {
		name        string
		cmd         command
		expectedMsg []byte
		expectErr   bool
	}{
		{
			name: "put command",
			cmd:  command{kind: cmdPut, key: "key", value: "value"},
			expectedMsg: []byte{
				0x01,
				0x00, 0x00, 0x00, 0x03,
				'k', 'e', 'y',
				0x00, 0x00, 0x00, 0x05,
				'v', 'a', 'l', 'u', 'e',
			},
		},
		{
			name:      "empty key",
			cmd:       command{kind: cmdPut, key: "", value: "value"},
			expectErr: true,
		},
		{
			name:        "empty value",
			cmd:         command{kind: cmdPut, key: "key", value: ""},
			expectedMsg: []byte{0x01, 0x00, 0x00, 0x00, 0x03, 'k', 'e', 'y', 0x00, 0x00, 0x00, 0x00},
		},
		{
			name:        "get command",
			cmd:         command{kind: cmdGet, key: "key"},
			expectedMsg: []byte{0x00, 0x00, 0x00, 0x00, 0x03, 'k', 'e', 'y'},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			res, err := sm.encodeCmd(tc.cmd)
			if tc.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expectedMsg, res)
		})
	}
}

func TestKV_encodeDecodeCompatibility(t *testing.T) {
	var sm KV
	tt := []command{
		{kind: cmdPut, key: "key", value: "value"},
		{kind: cmdAppend, key: "key", value: "-more"},
		{kind: cmdGet, key: "key"},
	}

	for _, cmd := range tt {
		t.Run(fmt.Sprintf("kind=%d", cmd.kind), func(t *testing.T) {
			encoded, err := sm.encodeCmd(cmd)
			require.NoError(t, err)

			decoded, err := sm.decodeCmd(encoded)
			require.NoError(t, err)

			require.Equal(t, cmd, decoded)
		})
	}
}

func TestKV_ApplyPutGetAppend(t *testing.T) {
	sm := NewKV()

	put, err := sm.encodeCmd(command{kind: cmdPut, key: "k", value: "v1"})
	require.NoError(t, err)
	_, err = sm.Apply(put)
	require.NoError(t, err)

	get, err := sm.encodeCmd(command{kind: cmdGet, key: "k"})
	require.NoError(t, err)
	val, err := sm.Apply(get)
	require.NoError(t, err)
	require.Equal(t, "v1", string(val))

	app, err := sm.encodeCmd(command{kind: cmdAppend, key: "k", value: "v2"})
	require.NoError(t, err)
	_, err = sm.Apply(app)
	require.NoError(t, err)

	val, err = sm.Apply(get)
	require.NoError(t, err)
	require.Equal(t, "v1v2", string(val))
}

func TestKV_ApplyGetMissingKey(t *testing.T) {
	sm := NewKV()
	get, err := sm.encodeCmd(command{kind: cmdGet, key: "missing"})
	require.NoError(t, err)

	_, err = sm.Apply(get)
	require.Error(t, err)
}

func TestKV_SnapshotRestore(t *testing.T) {
	sm := NewKV()
	for _, kv := range []struct{ k, v string }{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		cmd, err := sm.encodeCmd(command{kind: cmdPut, key: kv.k, value: kv.v})
		require.NoError(t, err)
		_, err = sm.Apply(cmd)
		require.NoError(t, err)
	}

	blob, err := sm.Snapshot()
	require.NoError(t, err)

	restored := NewKV()
	require.NoError(t, restored.Restore(blob))

	for _, k := range []string{"a", "b", "c"} {
		require.Equal(t, sm.data[k], restored.data[k])
	}
}

func TestKV_RestoreEmptySnapshot(t *testing.T) {
	sm := NewKV()
	sm.data["stale"] = "value"
	require.NoError(t, sm.Restore(nil))
	require.Empty(t, sm.data)
}
