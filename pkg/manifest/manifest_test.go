package manifest

import "testing"

const sample = `
name: hello
version: 0.0.1
init: /hello
args: ["--verbose"]
env:
  GREETING: world
mounts:
  /data:
    resource: data:1.0.0
    sub_path: /share
  /tmp:
    tmpfs: 1048576
  /app:
    bind: /host/app
  /var/lib/hello:
    persist: true
cgroup:
  memory_limit: 16777216
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.IsResource() {
		t.Fatalf("expected application, not resource")
	}
	id, err := m.Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if id.String() != "hello:0.0.1" {
		t.Fatalf("got %s", id)
	}
	res := m.Resources()
	if len(res) != 1 || res[0].String() != "data:1.0.0" {
		t.Fatalf("Resources() = %+v", res)
	}
	if m.Mounts["/tmp"].Kind != MountTmpfs || m.Mounts["/tmp"].SizeBytes != 1048576 {
		t.Fatalf("tmpfs mount not parsed: %+v", m.Mounts["/tmp"])
	}
	if m.Mounts["/app"].Kind != MountBind || m.Mounts["/app"].HostPath != "/host/app" {
		t.Fatalf("bind mount not parsed: %+v", m.Mounts["/app"])
	}
	if m.Mounts["/var/lib/hello"].Kind != MountPersist {
		t.Fatalf("persist mount not parsed: %+v", m.Mounts["/var/lib/hello"])
	}
	if m.Cgroup == nil || m.Cgroup.MemoryLimitBytes != 16777216 {
		t.Fatalf("cgroup limits not parsed: %+v", m.Cgroup)
	}
}

func TestParseResourceContainer(t *testing.T) {
	m, err := Parse([]byte("name: data\nversion: 1.0.0\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.IsResource() {
		t.Fatalf("expected resource container")
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		"version: 1.0.0\n",           // missing name
		"name: x\nversion: bad\n",    // bad version
		"name: x\nversion: 1.0.0\nmounts:\n  /a:\n    bind: \"\"\n",
	} {
		if _, err := Parse([]byte(bad)); err == nil {
			t.Fatalf("Parse(%q): expected error", bad)
		}
	}
}
