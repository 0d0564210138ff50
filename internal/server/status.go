package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"
)

func enabled(b bool) string {
	if b {
		return "Enabled"
	}
	return "Disabled"
}

// FormatUptime renders d as d:hh:mm:ss.
func FormatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	days := secs / 86400
	secs -= days * 86400
	hours := secs / 3600
	secs -= hours * 3600
	minutes := secs / 60
	secs -= minutes * 60
	return fmt.Sprintf("%d:%02d:%02d:%02d", days, hours, minutes, secs)
}

// WriteStatus writes a human readable dump of the policy, server state and
// mapping table to w.
func (s *Server) WriteStatus(ctx context.Context, w io.Writer) error {
	pol := s.policy.Current()
	now := s.store.Now()

	mappings, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	row := func(name string, value any) string {
		return fmt.Sprintf("     %-36.35s: %v\n", name, value)
	}

	listen := s.cfg.ListenAddr
	if addr := s.Addr(); addr != nil {
		listen = addr.String()
	}
	external := "same as internal"
	if s.cfg.ExternalAddress != "" {
		external = s.cfg.ExternalAddress
	}

	_, err = fmt.Fprint(w,
		"PCP Config:\n",
		row("PCP service", enabled(pol.Enabled)),
		row("MAP opcode support", enabled(pol.MapSupport)),
		row("PEER opcode support", enabled(pol.PeerSupport)),
		row("THIRD_PARTY option support", enabled(pol.ThirdPartySupport)),
		row("Proxy support", enabled(pol.ProxySupport)),
		row("UPnP IGD-PCP IWF support", enabled(pol.UPnPIWFSupport)),
		row("Minimum mapping lifetime", pol.MinLifetime),
		row("Maximum mapping lifetime", pol.MaxLifetime),
		row("PREFER_FAILURE request rate limit", pol.PreferFailureRate),
		"PCP Server:\n",
		row("Server address", listen),
		row("External address", external),
		row("Server uptime", FormatUptime(s.policy.Uptime(now))),
		row("Epoch time", s.policy.Epoch(now)),
		fmt.Sprintf("PCP Mappings (%d):\n", len(mappings)),
	)
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "     INDEX\tOPCODE\tPROTO\tINTERNAL\tEXTERNAL\tREMOTE\tLIFETIME\tREMAINING\tNONCE")
	for _, m := range mappings {
		remote := "-"
		if m.Remote.IsValid() {
			remote = m.Remote.String()
		}
		fmt.Fprintf(tw, "     %d\t%s\t%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
			m.Index, m.Opcode, m.Protocol, m.Internal, m.External, remote,
			m.Lifetime, s.store.RemainingLifetime(m), m.Nonce)
	}
	return tw.Flush()
}

// DumpStatus writes the status to path, or to stdout when path is empty or
// cannot be created.
func (s *Server) DumpStatus(ctx context.Context, path string) error {
	if path == "" {
		return s.WriteStatus(ctx, os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		s.logger.Errorf("Failed to create status output %s, using stdout: %v", path, err)
		return s.WriteStatus(ctx, os.Stdout)
	}
	if err := s.WriteStatus(ctx, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
