package storage

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asisaid.cn/unistore/internal/common/errors"
)

func descriptors(names ...string) []FileDescriptor {
	out := make([]FileDescriptor, len(names))
	for i, n := range names {
		out[i] = FileDescriptor{Name: n, Size: int64(i)}
	}
	return out
}

func TestJoinFolder(t *testing.T) {
	assert.Equal(t, "", JoinFolder("", ""))
	assert.Equal(t, "tenants", JoinFolder("tenants", ""))
	assert.Equal(t, "users/42", JoinFolder("", "users/42"))
	assert.Equal(t, "tenants/users/42", JoinFolder("tenants/", "/users/42/"))
}

func TestPrepareReference(t *testing.T) {
	at := time.Date(2026, time.March, 5, 10, 0, 0, 0, time.UTC)
	names := &NameGenerator{now: func() time.Time { return at }}

	ref, unique, err := PrepareReference(BackendConfig{}, names, "photo.jpg", "users/42", at)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^users/42/2026/03/\d+_[0-9A-Za-z]{8}_photo\.jpg$`), ref)
	assert.Equal(t, "users/42/2026/03/"+unique, ref)

	ref, _, err = PrepareReference(BackendConfig{DefaultFolder: "tenant-a"}, names, "x.png", "", at)
	require.NoError(t, err)
	assert.Regexp(t, `^tenant-a/2026/03/`, ref)

	_, _, err = PrepareReference(BackendConfig{}, names, "photo.jpg", "../../etc", at)
	assert.True(t, errors.IsSecurity(err))

	_, _, err = PrepareReference(BackendConfig{}, names, "../photo.jpg", "", at)
	assert.True(t, errors.IsSecurity(err))
}

func TestClampMaxResults(t *testing.T) {
	assert.Equal(t, 1000, ClampMaxResults(0))
	assert.Equal(t, 1, ClampMaxResults(-5))
	assert.Equal(t, 1000, ClampMaxResults(5000))
	assert.Equal(t, 25, ClampMaxResults(25))

	assert.Equal(t, 1000, ParseMaxResults(""))
	assert.Equal(t, 1000, ParseMaxResults("lots"))
	assert.Equal(t, 10, ParseMaxResults(" 10 "))
	assert.Equal(t, 1, ParseMaxResults("-3"))
	assert.Equal(t, 1000, ParseMaxResults("99999"))
}

func TestPaginate_CoversEveryFileOnce(t *testing.T) {
	var names []string
	for i := range 23 {
		names = append(names, fmt.Sprintf("2026/01/%03d.txt", i))
	}
	files := descriptors(names...)

	var got []string
	token := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10, "pagination did not terminate")
		page := Paginate(files, token, 5)
		for _, f := range page.Files {
			got = append(got, f.Name)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	assert.Equal(t, names, got)
}

func TestPaginate_TokenFileDeleted(t *testing.T) {
	files := descriptors("a", "b", "c", "d", "e")

	first := Paginate(files, "", 2)
	require.Equal(t, "b", first.NextToken)

	// "b" is deleted before the next page is fetched.
	remaining := descriptors("a", "c", "d", "e")
	second := Paginate(remaining, first.NextToken, 2)
	require.Len(t, second.Files, 2)
	assert.Equal(t, "c", second.Files[0].Name)
	assert.Equal(t, "d", second.Files[1].Name)
	assert.Equal(t, "d", second.NextToken)

	last := Paginate(remaining, second.NextToken, 2)
	require.Len(t, last.Files, 1)
	assert.Empty(t, last.NextToken)
}

func TestPaginate_Empty(t *testing.T) {
	page := Paginate(nil, "", 10)
	assert.NotNil(t, page.Files)
	assert.Empty(t, page.Files)
	assert.Empty(t, page.NextToken)

	page = Paginate(descriptors("a"), "z", 10)
	assert.Empty(t, page.Files)
}

func TestCheckUploadPolicy(t *testing.T) {
	cfg := BackendConfig{MaxFileSize: 100}

	assert.NoError(t, CheckUploadPolicy(cfg, 100, "image/png"))
	assert.True(t, errors.IsValidation(CheckUploadPolicy(cfg, 101, "image/png")))
	assert.True(t, errors.IsValidation(CheckUploadPolicy(cfg, -1, "image/png")))
	assert.True(t, errors.IsValidation(CheckUploadPolicy(cfg, 10, "application/x-elf")))

	cfg.AllowedContentTypes = []string{"image/*", "application/pdf"}
	assert.NoError(t, CheckUploadPolicy(cfg, 10, "image/jpeg"))
	assert.NoError(t, CheckUploadPolicy(cfg, 10, "application/pdf; charset=binary"))
	assert.True(t, errors.IsValidation(CheckUploadPolicy(cfg, 10, "text/plain")))

	cfg.AllowedContentTypes = []string{"application/x-elf"}
	assert.NoError(t, CheckUploadPolicy(cfg, 10, "application/x-elf"), "explicitly allowed executables pass")
}

func TestBackendConfig_NormalizedAndValidate(t *testing.T) {
	cfg := BackendConfig{LocalPath: "/srv", URLExpiry: 30 * 24 * time.Hour}.Normalized()
	assert.Equal(t, KindLocal, cfg.Kind)
	assert.Equal(t, MaxURLExpiry, cfg.URLExpiry)
	assert.Equal(t, DefaultMaxFileSize, cfg.MaxFileSize)
	assert.Equal(t, DefaultLocalBaseURL, cfg.BaseURL)
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, MinURLExpiry, ClampURLExpiry(time.Millisecond))
	assert.Equal(t, DefaultURLExpiry, ClampURLExpiry(0))

	assert.Error(t, BackendConfig{Kind: KindS3, Bucket: "b"}.Validate())
	assert.Error(t, BackendConfig{Kind: KindGCS}.Validate())
	assert.Error(t, BackendConfig{Kind: "azure"}.Validate())
	assert.Error(t, BackendConfig{LocalPath: "/srv", DefaultFolder: "../up"}.Validate())
}
