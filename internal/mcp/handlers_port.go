package mcp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/david-t-martel/serial-mcp-server/internal/discovery"
	"github.com/david-t-martel/serial-mcp-server/internal/negotiation"
	"github.com/david-t-martel/serial-mcp-server/internal/port"
	"github.com/david-t-martel/serial-mcp-server/internal/service"
)

func (d *Dispatcher) listPorts(_ context.Context, _ map[string]any) (*ToolResult, error) {
	names, err := discovery.ListPorts()
	if err != nil {
		return nil, err
	}
	ports := make([]any, 0, len(names))
	for _, n := range names {
		ports = append(ports, map[string]any{"port_name": n})
	}
	return structuredResult("ports listed", map[string]any{"ports": ports}), nil
}

func (d *Dispatcher) listPortsExtended(_ context.Context, _ map[string]any) (*ToolResult, error) {
	infos, err := discovery.ListPortsExtended()
	if err != nil {
		return nil, err
	}
	ports := make([]any, 0, len(infos))
	for _, info := range infos {
		ports = append(ports, toMap(info))
	}
	return structuredResult("ports detailed", map[string]any{"ports": ports}), nil
}

type openPortArgs struct {
	PortName         string            `json:"port_name"`
	BaudRate         int               `json:"baud_rate"`
	TimeoutMs        *uint64           `json:"timeout_ms"`
	DataBits         *port.DataBits    `json:"data_bits"`
	Parity           *port.Parity      `json:"parity"`
	StopBits         *port.StopBits    `json:"stop_bits"`
	FlowControl      *port.FlowControl `json:"flow_control"`
	Terminator       *string           `json:"terminator"`
	IdleDisconnectMs *uint64           `json:"idle_disconnect_ms"`
	SessionID        *string           `json:"session_id"`
}

func (a openPortArgs) config() service.Config {
	cfg := service.DefaultConfig()
	cfg.PortName = a.PortName
	cfg.BaudRate = a.BaudRate
	if a.TimeoutMs != nil {
		cfg.TimeoutMs = *a.TimeoutMs
	}
	if a.DataBits != nil {
		cfg.DataBits = *a.DataBits
	}
	if a.Parity != nil {
		cfg.Parity = *a.Parity
	}
	if a.StopBits != nil {
		cfg.StopBits = *a.StopBits
	}
	if a.FlowControl != nil {
		cfg.FlowControl = *a.FlowControl
	}
	if a.Terminator != nil {
		cfg.Terminator = *a.Terminator
	}
	if a.IdleDisconnectMs != nil {
		cfg.IdleDisconnect = *a.IdleDisconnectMs
	}
	return cfg
}

func (d *Dispatcher) openPort(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a openPortArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	res, err := d.service.Open(a.config())
	if err != nil {
		return nil, err
	}

	d.audit(ctx, a.SessionID, "agent",
		fmt.Sprintf("opened %s at %d baud", res.PortName, res.BaudRate), "agent")
	return structuredResult(res.Message, toMap(res)), nil
}

func (d *Dispatcher) write(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a struct {
		Text      string  `json:"text"`
		SessionID *string `json:"session_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	res, err := d.service.Write(a.Text)
	if err != nil {
		return nil, err
	}

	d.audit(ctx, a.SessionID, "agent", a.Text, "tx")
	return structuredResult(fmt.Sprintf("wrote %d bytes", res.BytesWritten), toMap(res)), nil
}

func (d *Dispatcher) read(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a struct {
		SessionID *string `json:"session_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	res, err := d.service.Read()
	if err != nil {
		return nil, err
	}

	if res.AutoClose != nil {
		structured := map[string]any{
			"text":             "",
			"bytes_read":       0,
			"bytes_read_total": res.BytesReadTotal,
			"timeout_streak":   res.TimeoutStreak,
			"event":            "auto_close",
			"reason":           res.AutoClose.Reason,
			"idle_ms":          res.AutoClose.IdleMs,
			"idle_close_count": res.AutoClose.IdleCloseCount,
		}
		return structuredResult("closed (idle timeout)", structured), nil
	}

	if res.BytesRead > 0 {
		d.audit(ctx, a.SessionID, "device", res.Text, "rx")
	}
	structured := map[string]any{
		"text":             res.Text,
		"bytes_read":       res.BytesRead,
		"bytes_read_total": res.BytesReadTotal,
		"timeout_streak":   res.TimeoutStreak,
	}
	return structuredResult(fmt.Sprintf("read %d bytes", res.BytesRead), structured), nil
}

func (d *Dispatcher) close(_ context.Context, _ map[string]any) (*ToolResult, error) {
	res := d.service.Close()
	return structuredResult(res.Message, toMap(res)), nil
}

func (d *Dispatcher) status(_ context.Context, _ map[string]any) (*ToolResult, error) {
	return structuredResult("status", toMap(d.service.Status())), nil
}

func (d *Dispatcher) metrics(_ context.Context, _ map[string]any) (*ToolResult, error) {
	state, m := d.service.MetricsSnapshot()
	structured := map[string]any{"state": state}
	if m != nil {
		for k, v := range toMap(m) {
			structured[k] = v
		}
	}
	return structuredResult("metrics", structured), nil
}

func (d *Dispatcher) reconfigurePort(_ context.Context, args map[string]any) (*ToolResult, error) {
	var req service.ReconfigureRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	res, err := d.service.Reconfigure(req)
	if err != nil {
		return nil, err
	}
	return structuredResult(res.Message, toMap(res)), nil
}

type detectArgs struct {
	PortName            string  `json:"port_name"`
	VID                 *string `json:"vid"`
	PID                 *string `json:"pid"`
	Manufacturer        string  `json:"manufacturer"`
	SuggestedBaudRates  []int   `json:"suggested_baud_rates"`
	TimeoutMs           *uint64 `json:"timeout_ms"`
	RestrictToSuggested bool    `json:"restrict_to_suggested"`
	PreferredStrategy   *string `json:"preferred_strategy"`
}

func (a detectArgs) hints() (negotiation.Hints, error) {
	hints := negotiation.Hints{
		Manufacturer:        a.Manufacturer,
		SuggestedBauds:      a.SuggestedBaudRates,
		RestrictToSuggested: a.RestrictToSuggested,
	}
	if a.TimeoutMs != nil {
		hints.Timeout = time.Duration(*a.TimeoutMs) * time.Millisecond
	}
	if a.VID != nil {
		vid, err := parseUSBID(*a.VID)
		if err != nil {
			return hints, fmt.Errorf("invalid vid: %w", err)
		}
		hints.VID = vid
	}
	if a.PID != nil {
		pid, err := parseUSBID(*a.PID)
		if err != nil {
			return hints, fmt.Errorf("invalid pid: %w", err)
		}
		hints.PID = pid
	}
	return hints, nil
}

func parseUSBID(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func (d *Dispatcher) detectPort(_ context.Context, args map[string]any) (*ToolResult, error) {
	var a detectArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	hints, err := a.hints()
	if err != nil {
		return nil, err
	}

	var params negotiation.Params
	if a.PreferredStrategy != nil {
		params, err = d.negotiator.DetectPreferred(*a.PreferredStrategy, a.PortName, hints)
	} else {
		params, err = d.negotiator.Detect(a.PortName, hints)
	}
	if err != nil {
		return nil, fmt.Errorf("auto-detection failed: %w", err)
	}

	structured := toMap(params)
	structured["port_name"] = a.PortName
	return structuredResult(
		fmt.Sprintf("detected %d baud (strategy: %s, confidence: %.2f)",
			params.BaudRate, params.Strategy, params.Confidence),
		structured), nil
}

type openAutoArgs struct {
	detectArgs
	Terminator       *string `json:"terminator"`
	IdleDisconnectMs *uint64 `json:"idle_disconnect_ms"`
	SessionID        *string `json:"session_id"`
}

func (d *Dispatcher) openPortAuto(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a openAutoArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if d.service.IsOpen() {
		return nil, service.ErrAlreadyOpen
	}
	hints, err := a.hints()
	if err != nil {
		return nil, err
	}

	params, err := d.negotiator.Detect(a.PortName, hints)
	if err != nil {
		return nil, fmt.Errorf("auto-detection failed: %w", err)
	}

	cfg := service.DefaultConfig()
	cfg.PortName = a.PortName
	cfg.BaudRate = params.BaudRate
	cfg.DataBits = params.DataBits
	cfg.Parity = params.Parity
	cfg.StopBits = params.StopBits
	cfg.FlowControl = params.FlowControl
	if a.TimeoutMs != nil {
		cfg.TimeoutMs = *a.TimeoutMs
	}
	if a.Terminator != nil {
		cfg.Terminator = *a.Terminator
	}
	if a.IdleDisconnectMs != nil {
		cfg.IdleDisconnect = *a.IdleDisconnectMs
	}

	res, err := d.service.Open(cfg)
	if err != nil {
		return nil, err
	}

	d.audit(ctx, a.SessionID, "agent",
		fmt.Sprintf("opened %s at %d baud (auto-detected)", res.PortName, res.BaudRate), "agent")
	structured := map[string]any{
		"port_name":     res.PortName,
		"baud_rate":     res.BaudRate,
		"strategy_used": params.Strategy,
		"confidence":    params.Confidence,
	}
	return structuredResult(
		fmt.Sprintf("opened %s at %d baud (auto-detected)", res.PortName, res.BaudRate),
		structured), nil
}

func (d *Dispatcher) listManufacturerProfiles(_ context.Context, _ map[string]any) (*ToolResult, error) {
	profiles := d.negotiator.ManufacturerProfiles()
	out := make([]any, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, map[string]any{
			"vid":          fmt.Sprintf("0x%04x", p.VID),
			"name":         p.Name,
			"default_baud": p.DefaultBaud,
			"common_bauds": p.CommonBauds,
		})
	}
	return structuredResult("manufacturer profiles", map[string]any{"profiles": out}), nil
}
