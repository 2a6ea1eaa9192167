// Command nstarctl is a thin client over nstard's control-plane
// protocol, plus an offline "inspect" subcommand that reads a package
// archive directly without a daemon connection.
package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"github.com/nstar-rt/nstar/pkg/codec"
	"github.com/nstar-rt/nstar/pkg/config"
	"github.com/nstar-rt/nstar/pkg/identity"
	"github.com/nstar-rt/nstar/pkg/npk"
	"github.com/nstar-rt/nstar/version"
)

const defaultServer = "unix:/run/nstar/control.sock"

// CLI is nstarctl's flag set, same struct-tag style cmd/sand's CLI uses.
type CLI struct {
	Server string `default:"" placeholder:"<tcp://host:port|unix:/path>" help:"nstard control-plane address"`
	JSON   bool   `help:"always print raw JSON, even on a terminal"`

	Containers   ContainersCmd   `cmd:"" help:"list known containers"`
	Repositories RepositoriesCmd `cmd:"" help:"list configured repositories"`
	Install      InstallCmd      `cmd:"" help:"upload a package into a repository"`
	Uninstall    UninstallCmd    `cmd:"" help:"remove a package from its repository"`
	Mount        MountCmd        `cmd:"" help:"mount one or more containers' root filesystems"`
	Umount       UmountCmd       `cmd:"" help:"unmount a container's root filesystem"`
	Start        StartCmd        `cmd:"" help:"start a mounted container"`
	Stop         StopCmd         `cmd:"" help:"stop a running container"`
	Shutdown     ShutdownCmd     `cmd:"" help:"shut down nstard, stopping every running container"`
	Inspect      InspectCmd      `cmd:"" help:"print a package archive's manifest and signature state without contacting nstard"`
	Version      VersionCmd      `cmd:"" help:"print nstarctl build information"`
}

// Context carries the parsed global flags into every subcommand's Run,
// the same way cmd/sand's Context struct threads its own globals through.
type Context struct {
	Server string
	JSON   bool
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.Description("nstarctl talks to a running nstard over its control-plane protocol."))

	server := cli.Server
	if server == "" {
		server = defaultServer
	}

	err := kctx.Run(&Context{Server: server, JSON: cli.JSON})
	kctx.FatalIfErrorf(err)
}

// prettyOutput reports whether stdout is a terminal and --json was not
// given, the same check cmd/sand's ContainerSvc.Exec makes before
// choosing a terminal-oriented code path over a plain one.
func prettyOutput(cctx *Context) bool {
	if cctx.JSON {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func connect(cctx *Context) (*client, error) {
	network, address, err := config.ParseListenAddress(cctx.Server)
	if err != nil {
		return nil, err
	}
	return dial(network, address, version.ProtocolVersion)
}

type ContainersCmd struct{}

func (c *ContainersCmd) Run(cctx *Context) error {
	cl, err := connect(cctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	resp, err := cl.request(codec.Request{Containers: &struct{}{}})
	if err != nil {
		return err
	}
	if err := apiError(resp); err != nil {
		return err
	}

	containers := resp.Containers.Containers
	if !prettyOutput(cctx) {
		return printJSON(containers)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tMOUNTED\tPID\tUPTIME\tRSS\t")
	for _, ctr := range containers {
		pid, uptime, rss := "-", "-", "-"
		if ctr.Process != nil {
			pid = fmt.Sprintf("%d", ctr.Process.PID)
			uptime = time.Duration(ctr.Process.UptimeSec * int64(time.Second)).String()
			rss = fmt.Sprintf("%d", ctr.Process.RSSBytes)
		}
		fmt.Fprintf(w, "%s\t%v\t%s\t%s\t%s\t\n", ctr.Identity, ctr.Mounted, pid, uptime, rss)
	}
	return w.Flush()
}

type RepositoriesCmd struct{}

func (c *RepositoriesCmd) Run(cctx *Context) error {
	cl, err := connect(cctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	resp, err := cl.request(codec.Request{Repositories: &struct{}{}})
	if err != nil {
		return err
	}
	if err := apiError(resp); err != nil {
		return err
	}

	labels := resp.Repositories.Labels
	if !prettyOutput(cctx) {
		return printJSON(labels)
	}
	for _, label := range labels {
		fmt.Println(label)
	}
	return nil
}

type InstallCmd struct {
	Repository string `arg:"" help:"repository label to install into"`
	Path       string `arg:"" type:"existingfile" help:"path to the .npk package file"`
}

func (c *InstallCmd) Run(cctx *Context) error {
	cl, err := connect(cctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	resp, err := cl.install(c.Repository, c.Path)
	if err != nil {
		return err
	}
	return apiError(resp)
}

type UninstallCmd struct {
	Identity string `arg:"" help:"name:version"`
}

func (c *UninstallCmd) Run(cctx *Context) error {
	id, err := identity.Parse(c.Identity)
	if err != nil {
		return err
	}
	cl, err := connect(cctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	resp, err := cl.request(codec.Request{Uninstall: &codec.UninstallRequest{Identity: id}})
	if err != nil {
		return err
	}
	return apiError(resp)
}

type MountCmd struct {
	Identities []string `arg:"" help:"name:version, one or more"`
}

func (c *MountCmd) Run(cctx *Context) error {
	ids := make([]identity.Identity, len(c.Identities))
	for i, s := range c.Identities {
		id, err := identity.Parse(s)
		if err != nil {
			return err
		}
		ids[i] = id
	}

	cl, err := connect(cctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	resp, err := cl.request(codec.Request{Mount: &codec.MountRequest{Identities: ids}})
	if err != nil {
		return err
	}
	if err := apiError(resp); err != nil {
		return err
	}

	var failed []string
	for _, r := range resp.Mount.Results {
		if r.Error != "" {
			failed = append(failed, fmt.Sprintf("%s: %s", r.Identity, r.Error))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("mount failed for %d of %d: %v", len(failed), len(resp.Mount.Results), failed)
	}
	return nil
}

type UmountCmd struct {
	Identity string `arg:"" help:"name:version"`
}

func (c *UmountCmd) Run(cctx *Context) error {
	id, err := identity.Parse(c.Identity)
	if err != nil {
		return err
	}
	cl, err := connect(cctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	resp, err := cl.request(codec.Request{Umount: &codec.UmountRequest{Identity: id}})
	if err != nil {
		return err
	}
	return apiError(resp)
}

type StartCmd struct {
	Identity string `arg:"" help:"name:version"`
}

func (c *StartCmd) Run(cctx *Context) error {
	id, err := identity.Parse(c.Identity)
	if err != nil {
		return err
	}
	cl, err := connect(cctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	resp, err := cl.request(codec.Request{Start: &codec.StartRequest{Identity: id}})
	if err != nil {
		return err
	}
	return apiError(resp)
}

type StopCmd struct {
	Identity string `arg:"" help:"name:version"`
	Seconds  uint64 `default:"5" help:"grace period before escalating to SIGKILL"`
}

func (c *StopCmd) Run(cctx *Context) error {
	id, err := identity.Parse(c.Identity)
	if err != nil {
		return err
	}
	cl, err := connect(cctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	resp, err := cl.request(codec.Request{Stop: &codec.StopRequest{Identity: id, Seconds: c.Seconds}})
	if err != nil {
		return err
	}
	return apiError(resp)
}

type ShutdownCmd struct{}

func (c *ShutdownCmd) Run(cctx *Context) error {
	cl, err := connect(cctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	resp, err := cl.request(codec.Request{Shutdown: &struct{}{}})
	if err != nil {
		return err
	}
	return apiError(resp)
}

type InspectCmd struct {
	Path string `arg:"" type:"existingfile" help:"path to the .npk package file"`
	Key  string `help:"path to an ed25519 public key file; verifies the signature if given"`
}

func (c *InspectCmd) Run(cctx *Context) error {
	var key ed25519.PublicKey
	if c.Key != "" {
		data, err := os.ReadFile(c.Key)
		if err != nil {
			return fmt.Errorf("read key %s: %w", c.Key, err)
		}
		if len(data) != ed25519.PublicKeySize {
			return fmt.Errorf("key %s: expected %d raw bytes, got %d", c.Key, ed25519.PublicKeySize, len(data))
		}
		key = ed25519.PublicKey(data)
	}

	pkg, err := npk.Open(c.Path, key)
	if err != nil {
		return err
	}
	id, err := pkg.Identity()
	if err != nil {
		return err
	}

	if !prettyOutput(cctx) {
		return printJSON(struct {
			Identity    identity.Identity `json:"identity"`
			Signed      bool              `json:"signed"`
			RootHash    string            `json:"root_hash,omitempty"`
			ImageOffset int64             `json:"image_offset"`
			ImageLength int64             `json:"image_length"`
		}{id, pkg.Signed, pkg.RootHash, pkg.ImageOffset, pkg.ImageLength})
	}

	fmt.Printf("identity:     %s\n", id)
	fmt.Printf("signed:       %v\n", pkg.Signed)
	if pkg.RootHash != "" {
		fmt.Printf("root hash:    %s\n", pkg.RootHash)
	}
	fmt.Printf("image offset: %d\n", pkg.ImageOffset)
	fmt.Printf("image length: %d\n", pkg.ImageLength)
	return nil
}
