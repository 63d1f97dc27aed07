package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		in   string
		want string
	}{
		{"https://raw.githubusercontent.com/gfwlist/gfwlist/master/gfwlist.txt", "raw.githubusercontent.com_gfwlist_gfwlist_master_gfwlist.txt"},
		{"http://example.com/list?format=b64&v=1", "example.com_list_format_b64_v_1"},
		{"plain.txt", "plain.txt"},
		{"", "_"},
		{"..", "_"},
	}
	for _, tc := range testCases {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	long := SanitizeFilename("https://example.com/" + strings.Repeat("a", 300))
	if len(long) != maxFilenameLength {
		t.Errorf("long name not truncated: %d", len(long))
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	if got := ExpandHome("~/pac/gfwlist.txt"); got != filepath.Join(home, "pac", "gfwlist.txt") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/etc/sspac.yaml"); got != "/etc/sspac.yaml" {
		t.Errorf("absolute path changed: %q", got)
	}
	if got := ExpandHome("~user/x"); got != "~user/x" {
		t.Errorf("~user form should be left alone: %q", got)
	}
}
