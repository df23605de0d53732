package pveinventory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginFetchLogout(t *testing.T) {
	pve := newFakePVE(t)
	c := pve.newClient(pve.credentials())
	ctx := context.Background()

	vms, err := Fetch[VMRecord](ctx, c, VMFetcher{})
	require.NoError(t, err)
	assert.Empty(t, vms, "no data before login")
	assert.Empty(t, pve.Requests())

	require.NoError(t, c.Login(ctx))
	vms, err = Fetch[VMRecord](ctx, c, VMFetcher{})
	require.NoError(t, err)
	assert.Len(t, vms, 3)

	c.Logout()
	vms, err = Fetch[VMRecord](ctx, c, VMFetcher{})
	require.NoError(t, err)
	assert.Empty(t, vms, "no data after logout")
	assert.Empty(t, c.transport.Cookies())
}

func TestFetchWithToken(t *testing.T) {
	pve := newFakePVE(t)
	creds := pve.credentials()
	creds.Password = ""
	creds.Token = testToken
	c := pve.newClient(creds)
	require.NoError(t, c.Login(context.Background()))

	vms, err := Fetch[VMRecord](context.Background(), c, VMFetcher{GuestAgent: true})
	require.NoError(t, err)
	require.Len(t, vms, 3)
	assert.True(t, *vms[0].GuestAgent, "agent POST works without CSRF token")
	assert.Zero(t, pve.count("POST /access/ticket"))
}

func TestConcurrentFetchesOnOneClient(t *testing.T) {
	pve := newFakePVE(t)
	c := pve.EstablishConnection()

	var wg sync.WaitGroup
	results := make([][]StorageRecord, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Fetch[StorageRecord](context.Background(), c, StorageFetcher{})
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}

	// fetches must not interleave
	requests := pve.Requests()[1:]
	require.Len(t, requests, 12)
	for i := 0; i < len(requests); i += 3 {
		assert.Equal(t, []string{
			"GET /cluster/resources/?type=storage",
			"GET /nodes/pve2/storage",
			"GET /nodes/pve1/storage",
		}, requests[i:i+3])
	}
}
