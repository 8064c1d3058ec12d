package cuaddress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skedra/skedra/directory"
)

type staticRemote struct{ domains map[string]bool }

func (s staticRemote) HasScheduleService(_ context.Context, domain string) (bool, error) {
	return s.domains[domain], nil
}

func testDirectory() *directory.Memory {
	dir := directory.NewMemory(
		&directory.Record{
			UID:                   "user01",
			CalendarUserAddresses: []string{"urn:x-uid:user01", "mailto:user01@example.com"},
			Enabled:               true,
		},
		&directory.Record{
			UID:                   "user02",
			CalendarUserAddresses: []string{"mailto:user02@example.com"},
			Enabled:               true,
			PodID:                 "pod-b",
		},
		&directory.Record{
			UID:                   "disabled",
			CalendarUserAddresses: []string{"mailto:disabled@example.com"},
		},
	)
	dir.AddPod(&directory.Pod{ID: "pod-b", URI: "https://pod-b.example.com"})
	return dir
}

func TestResolveClassification(t *testing.T) {
	r := &Resolver{
		Dir:          testDirectory(),
		Remote:       staticRemote{domains: map[string]bool{"ischedule.org": true}},
		EmailEnabled: true,
	}
	ctx := context.Background()

	tests := []struct {
		cua  string
		kind Kind
	}{
		{"mailto:USER01@EXAMPLE.COM", KindLocal},
		{"urn:x-uid:user01", KindLocal},
		{"mailto:user02@example.com", KindOtherServer},
		{"mailto:disabled@example.com", KindInvalid},
		{"mailto:someone@ischedule.org", KindRemote},
		{"mailto:someone@elsewhere.org", KindEmail},
		{"urn:x-uid:nobody", KindInvalid},
		{"https://example.com/principals/nobody/", KindInvalid},
	}
	for _, tt := range tests {
		u, err := r.Resolve(ctx, tt.cua)
		require.NoError(t, err, tt.cua)
		assert.Equal(t, tt.kind, u.Kind, tt.cua)
	}
}

func TestResolveNormalizesAddress(t *testing.T) {
	r := &Resolver{Dir: testDirectory(), EmailEnabled: true}
	u, err := r.Resolve(context.Background(), "mailto:User01@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "mailto:user01@example.com", u.Address)
	require.NotNil(t, u.Record)
	assert.Equal(t, "user01", u.Record.UID)
}

func TestResolveEmailDisabled(t *testing.T) {
	r := &Resolver{Dir: testDirectory()}
	u, err := r.Resolve(context.Background(), "mailto:someone@elsewhere.org")
	require.NoError(t, err)
	assert.Equal(t, KindInvalid, u.Kind)
}

func TestResolveOtherServerCarriesPod(t *testing.T) {
	r := &Resolver{Dir: testDirectory()}
	u, err := r.Resolve(context.Background(), "mailto:user02@example.com")
	require.NoError(t, err)
	require.Equal(t, KindOtherServer, u.Kind)
	require.NotNil(t, u.Pod)
	assert.Equal(t, "https://pod-b.example.com", u.Pod.URI)
	assert.True(t, u.Hosted())
}

func TestMailDomain(t *testing.T) {
	domain, ok := MailDomain("mailto:a@b.example")
	require.True(t, ok)
	assert.Equal(t, "b.example", domain)

	_, ok = MailDomain("urn:x-uid:whatever")
	assert.False(t, ok)

	_, ok = MailDomain("mailto:nodomain")
	assert.False(t, ok)
}
