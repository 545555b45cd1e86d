package subaru

import "testing"

func TestSafeUnmountTarget(t *testing.T) {
	oldRoot, oldTmp := BuildRoot, tmpDir
	BuildRoot = "/var/tmp/subaru/rootfs"
	tmpDir = "/tmp"
	defer func() { BuildRoot, tmpDir = oldRoot, oldTmp }()

	cases := []struct {
		path string
		want bool
	}{
		{"/var/tmp/subaru/rootfs", true},
		{"/var/tmp/subaru/rootfs/proc", true},
		{"/var/tmp/subaru/rootfs/dev/pts", true},
		{"/var/tmp/subaru/rootfs/../rootfs/sys", true},
		{"/tmp/subaru-target/boot/efi", true},

		{"/", false},
		{"/proc", false},
		{"/dev", false},
		{"/home", false},
		{"/boot", false},
		{"/tmp", false}, // the staging parent itself is the host's
		{"/var/tmp/subaru/rootfs/../../../../etc", false},
		{"/var/tmp/subaru/rootfs-other", false},
		{"relative/path", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := safeUnmountTarget(tc.path); got != tc.want {
			t.Errorf("safeUnmountTarget(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}
