package safety

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/kevinpez/mikrotik-ops/internal/command"
	"github.com/kevinpez/mikrotik-ops/internal/profile"
	"github.com/kevinpez/mikrotik-ops/internal/transport"
)

// sysUpTime; answered by every SNMP-enabled RouterOS device.
const sysUpTimeOID = "1.3.6.1.2.1.1.3.0"

// Executor runs one command against a device with fallback. Satisfied by
// the fallback controller; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, p *profile.TargetProfile, cmd *command.Command) (*transport.Result, error)
}

// Verifier performs the best-effort post-execution check: the device must
// still be reachable, and its log must not have picked up fresh errors.
// Verification never undoes anything; failures come back as warnings.
type Verifier struct {
	exec   Executor
	logger *slog.Logger

	probeTimeout time.Duration
}

// NewVerifier creates a Verifier that issues its log query through exec.
func NewVerifier(exec Executor, logger *slog.Logger) *Verifier {
	return &Verifier{
		exec:         exec,
		logger:       logger.With("component", "verify"),
		probeTimeout: 5 * time.Second,
	}
}

// Verify runs the post-checks and returns warnings; an empty slice means
// the device looks healthy.
func (v *Verifier) Verify(ctx context.Context, p *profile.TargetProfile) []string {
	var warnings []string

	if err := v.probe(ctx, p); err != nil {
		warnings = append(warnings, fmt.Sprintf("verify-failed: device unreachable after command: %v", err))
		// No point scanning logs on an unreachable device.
		return warnings
	}

	if errLines := v.scanLog(ctx, p); len(errLines) > 0 {
		warnings = append(warnings,
			fmt.Sprintf("verify-failed: device log shows errors after command: %s",
				strings.Join(errLines, "; ")))
	}
	return warnings
}

// probe checks reachability: an SNMP sysUpTime get when the profile carries
// a community, a plain TCP dial of the API port otherwise.
func (v *Verifier) probe(ctx context.Context, p *profile.TargetProfile) error {
	if p.SNMPCommunity != "" {
		return v.snmpProbe(p)
	}

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, v.probeTimeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "tcp", p.APIAddr())
	if err != nil {
		// The API service may be the thing that just failed; the SSH port
		// answering still counts as reachable.
		conn2, err2 := d.DialContext(dialCtx, "tcp", p.SSHAddr())
		if err2 != nil {
			return fmt.Errorf("tcp probe: %w", err)
		}
		conn2.Close()
		return nil
	}
	conn.Close()
	return nil
}

func (v *Verifier) snmpProbe(p *profile.TargetProfile) error {
	g := &gosnmp.GoSNMP{
		Target:    p.Host,
		Port:      161,
		Version:   gosnmp.Version2c,
		Community: p.SNMPCommunity,
		Timeout:   v.probeTimeout,
	}
	if err := g.Connect(); err != nil {
		return fmt.Errorf("snmp connect: %w", err)
	}
	defer g.Conn.Close()

	if _, err := g.Get([]string{sysUpTimeOID}); err != nil {
		return fmt.Errorf("snmp sysUpTime get: %w", err)
	}
	return nil
}

// scanLog fetches the device log tail and returns lines on error-class
// topics. Best effort: a failed fetch is logged, not reported, since the
// reachability probe already passed.
func (v *Verifier) scanLog(ctx context.Context, p *profile.TargetProfile) []string {
	logCmd, err := command.Parse("/log print")
	if err != nil {
		return nil
	}

	res, err := v.exec.Execute(ctx, p, logCmd)
	if err != nil || !res.OK {
		v.logger.Debug("log scan skipped", "profile", p.Name, "error", err)
		return nil
	}

	var errLines []string
	for _, line := range strings.Split(res.Raw, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "topics=") &&
			(strings.Contains(lower, "error") || strings.Contains(lower, "critical")) {
			errLines = append(errLines, strings.TrimSpace(line))
		}
	}
	if len(errLines) > 3 {
		errLines = errLines[len(errLines)-3:]
	}
	return errLines
}
