package registry

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/google/renameio"

	"github.com/tsaf/safe/pkg/cipher"
)

// Transcoder performs the whole-file re-encryption step of enrollment and
// withdrawal (spec §4.2): read the file's current bytes, transcode them
// under C1 keyed by owner, write them back. SubprocessTranscoder runs this
// isolated in a child process and takes the child's exit status as the
// result, so a transcoding crash can never leave the daemon's own process
// state inconsistent; DirectTranscoder runs it in-process.
type Transcoder interface {
	// Transcode reads path's full contents, runs cipher.Transform for
	// (owner, fid, offset 0, length), and writes the result back in place.
	// Direction (encrypt on enroll, decrypt on withdraw) doesn't need to be
	// named explicitly: AES-CTR transform is its own inverse (spec §4.1).
	Transcode(path string, owner uint32, fid uint64) error
}

// SubprocessTranscodeArg is the hidden re-exec verb cmd/safed recognizes;
// see RunSubprocessTranscode, which the daemon's main() dispatches to
// before its normal startup path runs.
const SubprocessTranscodeArg = "__safe-transcode"

// SubprocessTranscoder is the reference Transcoder: it re-execs the
// running binary with SubprocessTranscodeArg, has the child adopt the
// owner's UID before touching the file (Design Notes §9's "child task that
// adopts the owner's identity for the duration of I/O"), and waits for its
// exit status. Non-regular files are rejected by the caller before this is
// invoked (spec §4.2: "non-regular files skip the buffer dance").
type SubprocessTranscoder struct {
	// Executable is the path to re-exec; defaults to os.Executable().
	Executable string
}

func (t *SubprocessTranscoder) executable() (string, error) {
	if t.Executable != "" {
		return t.Executable, nil
	}
	return os.Executable()
}

func (t *SubprocessTranscoder) Transcode(path string, owner uint32, fid uint64) error {
	exe, err := t.executable()
	if err != nil {
		return fmt.Errorf("transcode: %w", err)
	}
	cmd := exec.Command(exe, SubprocessTranscodeArg, path, fmt.Sprint(owner), fmt.Sprint(fid))
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("transcode: child exited: %w", err)
	}
	return nil
}

// RunSubprocessTranscode is the child-side body invoked by re-exec'ing with
// SubprocessTranscodeArg. It drops privilege to owner (best-effort: only
// meaningful when the parent daemon is root), reads path fully, transcodes
// in place, and writes back atomically via renameio so a crash mid-write
// can never leave the file half plaintext/half ciphertext (strengthens
// spec §3's "partial states are unobservable" invariant beyond the
// original in-place fwrite).
func RunSubprocessTranscode(path string, owner uint32, fid uint64) error {
	if os.Geteuid() == 0 {
		if err := syscall.Setuid(int(owner)); err != nil {
			return fmt.Errorf("transcode: setuid %d: %w", owner, err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("transcode: stat: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("transcode: %s is not a regular file", path)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("transcode: read: %w", err)
	}

	if _, err := cipher.Transform(buf, cipher.UID(owner), cipher.FID(fid), 0); err != nil {
		return fmt.Errorf("transcode: %w", err)
	}

	if err := renameio.WriteFile(path, buf, info.Mode().Perm()); err != nil {
		return fmt.Errorf("transcode: write: %w", err)
	}
	return nil
}

// DirectTranscoder calls cipher.Transform in-process with no privilege
// drop and no child process. Design Notes §9: "If privilege-drop is
// unavailable, the daemon must instead call the cipher directly and bypass
// the interception path — functionally equivalent, semantically different
// (no audit trail through C4)." Used in tests and in deployments where the
// daemon cannot fork (no fork-capable privilege model, e.g. containerized
// daemons running as a fixed non-root UID).
type DirectTranscoder struct{}

func (DirectTranscoder) Transcode(path string, owner uint32, fid uint64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("transcode: stat: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("transcode: %s is not a regular file", path)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("transcode: read: %w", err)
	}
	if _, err := cipher.Transform(buf, cipher.UID(owner), cipher.FID(fid), 0); err != nil {
		return fmt.Errorf("transcode: %w", err)
	}
	if err := renameio.WriteFile(path, buf, info.Mode().Perm()); err != nil {
		return fmt.Errorf("transcode: write: %w", err)
	}
	return nil
}
