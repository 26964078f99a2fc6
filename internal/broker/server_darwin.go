//go:build darwin

package broker

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ple7mesh/meshagent/internal/logging"
	"github.com/ple7mesh/meshagent/internal/routing"
)

// daemonVersion is reported by get_version.
const daemonVersion = "1.0.0"

const (
	utunControlName = "com.apple.net.utun_control"
	utunHeaderSize  = 4
	sysProtoControl = 2
	utunOptIfName   = 2
	afINET          = 2
	afINET6         = 30
)

// tunHandle is one open utun device, addressed by its kernel-assigned name.
type tunHandle struct {
	fd   int
	name string
}

// Server is PrivilegedBroker (spec §4.3 variant B): a root-owned daemon
// listening on a Unix socket, grounded on helper/src/main.rs and the
// teacher's infrastructure/PAL/darwin/utun raw-socket code.
type Server struct {
	socketPath string
	log        logging.Logger
	router     routing.Router

	mu         sync.Mutex
	tuns       map[string]*tunHandle
	activeTun  string // interface SetDefaultGateway/RestoreDefaultGateway act on
	gatewaySet bool
	excludeIP  string
	startedAt  time.Time

	listener net.Listener
}

// NewServer builds a Server bound to path (DefaultSocketPath if empty).
func NewServer(path string, log logging.Logger) *Server {
	if path == "" {
		path = DefaultSocketPath
	}
	if log == nil {
		log = logging.Nop{}
	}
	return &Server{
		socketPath: path,
		log:        log,
		router:     routing.NewRouter(),
		tuns:       make(map[string]*tunHandle),
		startedAt:  time.Now(),
	}
}

// Serve listens and handles connections until the listener is closed.
func (s *Server) Serve() error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0666); err != nil {
		_ = ln.Close()
		return fmt.Errorf("broker: chmod socket: %w", err)
	}
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections and tears down all open TUNs.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for name, h := range s.tuns {
		_ = unix.Close(h.fd)
		delete(s.tuns, name)
	}
	s.mu.Unlock()
	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			writeResponse(conn, Response{Success: false, Message: "malformed command"})
			continue
		}
		resp := s.dispatch(cmd)
		writeResponse(conn, resp)
	}
}

func writeResponse(conn net.Conn, resp Response) {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return
	}
	encoded = append(encoded, '\n')
	_, _ = conn.Write(encoded)
}

func (s *Server) dispatch(cmd Command) Response {
	switch cmd.Command {
	case CmdPing:
		return Response{Success: true, Message: "pong"}
	case CmdGetVersion:
		return dataResponse(VersionData{Version: daemonVersion})
	case CmdStatus:
		return s.handleStatus()
	case CmdCreateTun:
		return s.handleCreateTun(cmd)
	case CmdDestroyTun:
		return s.handleDestroyTun(cmd)
	case CmdAddRoute:
		return s.handleAddRoute(cmd)
	case CmdRemoveRoute:
		return s.handleRemoveRoute(cmd)
	case CmdSetDefaultGateway:
		return s.handleSetDefaultGateway(cmd)
	case CmdRestoreDefaultGateway:
		return s.handleRestoreDefaultGateway()
	case CmdReadPacket:
		return s.handleReadPacket(cmd)
	case CmdWritePacket:
		return s.handleWritePacket(cmd)
	default:
		return Response{Success: false, Message: "unknown command: " + cmd.Command}
	}
}

func dataResponse(v any) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return Response{Success: false, Message: err.Error()}
	}
	return Response{Success: true, Message: "ok", Data: raw}
}

func (s *Server) handleStatus() Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dataResponse(StatusData{
		ActiveTuns:         len(s.tuns),
		HasOriginalGateway: s.gatewaySet,
	})
}

func (s *Server) handleCreateTun(cmd Command) Response {
	fd, name, err := openUTun()
	if err != nil {
		return Response{Success: false, Message: err.Error()}
	}

	if cmd.Address != "" {
		netmask := cmd.Netmask
		if netmask == "" {
			netmask = "255.255.255.0"
		}
		if out, err := runCmd("ifconfig", name, "inet", cmd.Address, cmd.Address, "netmask", netmask); err != nil {
			_ = unix.Close(fd)
			return Response{Success: false, Message: fmt.Sprintf("assign address: %v (%s)", err, out)}
		}
	}
	if _, err := runCmd("ifconfig", name, "mtu", "1420", "up"); err != nil {
		_ = unix.Close(fd)
		return Response{Success: false, Message: err.Error()}
	}

	s.mu.Lock()
	s.tuns[name] = &tunHandle{fd: fd, name: name}
	s.activeTun = name
	s.mu.Unlock()

	return dataResponse(CreateTunData{Name: name, Address: cmd.Address})
}

func (s *Server) handleDestroyTun(cmd Command) Response {
	s.mu.Lock()
	h, ok := s.tuns[cmd.Name]
	if ok {
		delete(s.tuns, cmd.Name)
	}
	s.mu.Unlock()
	if !ok {
		return Response{Success: false, Message: "no such tun: " + cmd.Name}
	}
	_ = unix.Close(h.fd)
	return Response{Success: true, Message: "destroyed"}
}

func (s *Server) handleAddRoute(cmd Command) Response {
	args := []string{"-q", "add", "-net", fmt.Sprintf("%s/%d", cmd.Destination, cmd.PrefixLen)}
	if cmd.Gateway != "" {
		args = append(args, cmd.Gateway)
	} else {
		args = append(args, "-interface", s.currentTun())
	}
	if out, err := runCmd("route", args...); err != nil && !strings.Contains(out, "File exists") {
		return Response{Success: false, Message: fmt.Sprintf("%v (%s)", err, out)}
	}
	return Response{Success: true, Message: "added"}
}

func (s *Server) handleRemoveRoute(cmd Command) Response {
	dest := fmt.Sprintf("%s/%d", cmd.Destination, cmd.PrefixLen)
	if _, err := runCmd("route", "-q", "delete", "-net", dest); err != nil {
		return Response{Success: false, Message: err.Error()}
	}
	return Response{Success: true, Message: "removed"}
}

func (s *Server) handleSetDefaultGateway(cmd Command) Response {
	dev := s.currentTun()
	if dev == "" {
		return Response{Success: false, Message: "no active tun"}
	}
	if cmd.ExcludeIP != "" {
		if out, err := runCmd("route", "add", cmd.ExcludeIP, cmd.Gateway); err != nil && !strings.Contains(out, "File exists") {
			return Response{Success: false, Message: fmt.Sprintf("exclude route: %v (%s)", err, out)}
		}
	}
	if err := s.router.SetExitGateway(dev, parseAddrBestEffort(cmd.ExcludeIP), cmd.ExcludeIP != ""); err != nil {
		return Response{Success: false, Message: err.Error()}
	}
	s.mu.Lock()
	s.gatewaySet, s.excludeIP = true, cmd.ExcludeIP
	s.mu.Unlock()
	return Response{Success: true, Message: "gateway set"}
}

func (s *Server) handleRestoreDefaultGateway() Response {
	dev := s.currentTun()
	s.mu.Lock()
	excludeIP := s.excludeIP
	s.mu.Unlock()
	if dev != "" {
		if err := s.router.RevertExitGateway(dev, parseAddrBestEffort(excludeIP), excludeIP != ""); err != nil {
			return Response{Success: false, Message: err.Error()}
		}
	}
	s.mu.Lock()
	s.gatewaySet, s.excludeIP = false, ""
	s.mu.Unlock()
	return Response{Success: true, Message: "gateway restored"}
}

func (s *Server) handleReadPacket(cmd Command) Response {
	s.mu.Lock()
	h, ok := s.tuns[cmd.TunName]
	s.mu.Unlock()
	if !ok {
		return Response{Success: false, Message: "no such tun: " + cmd.TunName}
	}

	timeoutMs := uint64(100)
	if cmd.TimeoutMs != nil {
		timeoutMs = *cmd.TimeoutMs
	}
	tv := unix.NsecToTimeval((time.Duration(timeoutMs) * time.Millisecond).Nanoseconds())
	_ = unix.SetsockoptTimeval(h.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)

	buf := make([]byte, 65536)
	n, err := unix.Read(h.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return Response{Success: true, Message: "timeout"}
		}
		return Response{Success: false, Message: err.Error()}
	}
	if n < utunHeaderSize {
		return Response{Success: false, Message: "short read (no UTUN header)"}
	}
	packet := buf[utunHeaderSize:n]
	return dataResponse(ReadPacketData{
		Packet: base64.StdEncoding.EncodeToString(packet),
		Length: len(packet),
	})
}

func (s *Server) handleWritePacket(cmd Command) Response {
	s.mu.Lock()
	h, ok := s.tuns[cmd.TunName]
	s.mu.Unlock()
	if !ok {
		return Response{Success: false, Message: "no such tun: " + cmd.TunName}
	}

	payload, err := base64.StdEncoding.DecodeString(cmd.Data)
	if err != nil {
		return Response{Success: false, Message: "invalid base64 payload"}
	}

	af := uint32(afINET)
	if len(payload) > 0 && payload[0]>>4 == 6 {
		af = afINET6
	}
	header := []byte{byte(af >> 24), byte(af >> 16), byte(af >> 8), byte(af)}
	framed := append(header, payload...)

	if _, err := unix.Write(h.fd, framed); err != nil {
		return Response{Success: false, Message: err.Error()}
	}
	return dataResponse(WritePacketData{Written: len(payload)})
}

func (s *Server) currentTun() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTun
}

func openUTun() (fd int, name string, err error) {
	fd, err = unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, sysProtoControl)
	if err != nil {
		return 0, "", fmt.Errorf("open utun socket: %w", err)
	}

	var ci unix.CtlInfo
	copy(ci.Name[:], utunControlName)
	if err := unix.IoctlCtlInfo(fd, &ci); err != nil {
		_ = unix.Close(fd)
		return 0, "", fmt.Errorf("utun control info: %w", err)
	}

	sa := &unix.SockaddrCtl{ID: ci.Id, Unit: 0}
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		return 0, "", fmt.Errorf("utun connect: %w", err)
	}

	ifName, err := unix.GetsockoptString(fd, sysProtoControl, utunOptIfName)
	if err != nil {
		_ = unix.Close(fd)
		return 0, "", fmt.Errorf("utun ifname: %w", err)
	}
	return fd, ifName, nil
}

func runCmd(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}

func parseAddrBestEffort(s string) netip.Addr {
	addr, _ := netip.ParseAddr(s)
	return addr
}
