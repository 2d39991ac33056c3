package chainstate

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/0xmhha/substrate-indexer/internal/constants"
	"github.com/centrifuge/go-substrate-rpc-client/v4/xxhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alice = "0xd43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d"

func TestStoragePrefix(t *testing.T) {
	assert.Equal(t, constants.SystemAccountPrefix, StoragePrefix("System", "Account"))
	assert.Equal(t, constants.SystemEventsKey, StorageValueKey("System", "Events"))
	assert.Equal(t, "26aa394eea5630e07c48ae0c9558cef7", StoragePrefix("System", "Account")[:32])
}

func TestTwox128(t *testing.T) {
	for _, name := range []string{"", "System", "Timestamp", "Account"} {
		assert.Equal(t, xxhash.New128([]byte(name)).Sum(nil), Twox128([]byte(name)), name)
	}
}

func TestSystemAccountKey(t *testing.T) {
	key, err := SystemAccountKey(alice)
	require.NoError(t, err)
	assert.Equal(t,
		"0x26aa394eea5630e07c48ae0c9558cef7b99d880ec681799c0cf30e8886371da9"+
			"de1e86a9a8c739864cf3cc5ec2bea59f"+
			"d43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d",
		key,
	)

	// prefix is optional
	noPrefix, err := SystemAccountKey(strings.TrimPrefix(alice, "0x"))
	require.NoError(t, err)
	assert.Equal(t, key, noPrefix)
}

func TestSystemAccountKeyInvalid(t *testing.T) {
	for _, id := range []string{"", "0x1234", "0xzz", alice + "00"} {
		_, err := SystemAccountKey(id)
		assert.ErrorIs(t, err, ErrInvalidAccountID, id)
	}
}

func TestDecodeAccountInfo(t *testing.T) {
	t.Run("zeros", func(t *testing.T) {
		info, ok := DecodeAccountInfo(make([]byte, 80))
		require.True(t, ok)
		assert.Equal(t, uint32(0), info.Nonce)
		assert.Equal(t, "0", info.Free.String())
		assert.Equal(t, "0", info.Reserved.String())
		assert.Equal(t, "0", info.Frozen.String())
		assert.Equal(t, "0", info.Flags.String())
	})

	t.Run("free is 2^120", func(t *testing.T) {
		data := make([]byte, 80)
		data[0] = 7  // nonce
		data[8] = 1  // providers
		data[31] = 1 // last byte of free
		info, ok := DecodeAccountInfo(data)
		require.True(t, ok)
		assert.Equal(t, uint32(7), info.Nonce)
		assert.Equal(t, uint32(1), info.Providers)
		assert.Equal(t, new(big.Int).Lsh(big.NewInt(1), 120).String(), info.Free.String())
		assert.Equal(t, "1329227995784915872903807060280344576", info.Free.String())
	})

	t.Run("short", func(t *testing.T) {
		info, ok := DecodeAccountInfo(make([]byte, 79))
		assert.False(t, ok)
		assert.Nil(t, info)
		_, ok = DecodeAccountInfo(nil)
		assert.False(t, ok)
	})

	t.Run("trailing bytes ignored", func(t *testing.T) {
		_, ok := DecodeAccountInfo(make([]byte, 96))
		assert.True(t, ok)
	})
}

type fakeStorage struct {
	values map[string][]byte
	lastAt string
	err    error
}

func (f *fakeStorage) GetStorage(_ context.Context, key, at string) ([]byte, error) {
	f.lastAt = at
	if f.err != nil {
		return nil, f.err
	}
	return f.values[key], nil
}

func TestReaderGetLiveBalance(t *testing.T) {
	key, err := SystemAccountKey(alice)
	require.NoError(t, err)

	data := make([]byte, 80)
	data[16] = 100
	storage := &fakeStorage{values: map[string][]byte{key: data}}
	reader := NewReader(storage, nil)

	info, err := reader.GetLiveBalance(context.Background(), alice)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "100", info.Free.String())
	assert.Equal(t, "", storage.lastAt)

	_, err = reader.GetLiveBalanceAt(context.Background(), alice, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", storage.lastAt)
}

func TestReaderMissingAndErrors(t *testing.T) {
	storage := &fakeStorage{values: map[string][]byte{}}
	reader := NewReader(storage, nil)

	info, err := reader.GetLiveBalance(context.Background(), alice)
	require.NoError(t, err)
	assert.Nil(t, info)

	key, _ := SystemAccountKey(alice)
	storage.values[key] = make([]byte, 10)
	info, err = reader.GetLiveBalance(context.Background(), alice)
	require.NoError(t, err)
	assert.Nil(t, info)

	_, err = reader.GetLiveBalance(context.Background(), "0x01")
	assert.ErrorIs(t, err, ErrInvalidAccountID)

	storage.err = errors.New("connection refused")
	_, err = reader.GetLiveBalance(context.Background(), alice)
	assert.ErrorContains(t, err, "connection refused")
}
