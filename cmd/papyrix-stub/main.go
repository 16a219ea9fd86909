package main

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/papyrix-stub/internal/client"
	"github.com/bigbag/papyrix-stub/internal/flashimg"
	"github.com/bigbag/papyrix-stub/internal/serial"
	"github.com/bigbag/papyrix-stub/internal/stub"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag  string
	baudFlag  int
	addrFlag  string
	imageFlag string
	sizeFlag  int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "papyrix-stub",
		Short: "Serial flasher stub emulator for ESP32-class devices",
		Long: `Papyrix Stub speaks the device side of the ESP serial flasher protocol:
SLIP-framed flash, erase, register and readback commands backed by a
flash image file instead of real hardware.

Point esptool or any compatible flasher at it to test host tooling
without a device on the bench.`,
	}

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one stub session on a serial port",
		Long: `Run a single flasher session on a serial port.

The session starts with the OHAI greeting and ends when the host sends
FLASH_END with the reboot flag, after which the process exits the way a
real device reboots out of the stub.`,
		RunE: runServe,
	}
	serveCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (required)")
	serveCmd.Flags().IntVarP(&baudFlag, "baud", "b", 115200, "Initial baud rate")
	serveCmd.Flags().StringVarP(&imageFlag, "image", "i", "", "Flash image file to load and save back")
	serveCmd.MarkFlagRequired("port")

	// Listen command
	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Serve stub sessions over TCP",
		Long: `Accept TCP connections and run one stub session per connection,
sharing a single flash image across sessions. A reboot request closes
the connection.`,
		RunE: runListen,
	}
	listenCmd.Flags().StringVarP(&addrFlag, "addr", "a", ":3232", "Listen address")
	listenCmd.Flags().StringVarP(&imageFlag, "image", "i", "", "Flash image file to load and save back")

	// Selftest command
	selftestCmd := &cobra.Command{
		Use:   "selftest",
		Short: "Exercise a full session against an in-memory device",
		Long: `Run a built-in host client against the stub over an in-memory pipe:
flash a test image, verify it with SPI_FLASH_MD5, read it back, repeat
with a compressed write and finish with a reboot.`,
		RunE: runSelftest,
	}
	selftestCmd.Flags().IntVar(&sizeFlag, "size", 128*1024, "Test image size in bytes")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("papyrix-stub %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// Ports command
	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		RunE:  runPorts,
	}

	rootCmd.AddCommand(serveCmd, listenCmd, selftestCmd, versionCmd, portsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// memRegisters backs READ_REG/WRITE_REG when there is no hardware behind
// the stub. Unwritten addresses read as zero.
type memRegisters struct {
	regs map[uint32]uint32
}

func newMemRegisters() *memRegisters {
	return &memRegisters{regs: map[uint32]uint32{}}
}

func (r *memRegisters) Read(addr uint32) uint32  { return r.regs[addr] }
func (r *memRegisters) Write(addr, value uint32) { r.regs[addr] = value }

// serialControl maps session control onto a serial port. Reboot is a
// no-op: the session loop returning is the reboot.
type serialControl struct {
	port *serial.Port
}

func (c *serialControl) SetBaudDivider(div uint32) {
	if div == 0 {
		return
	}
	if err := c.port.SetBaud(stub.DefaultMasterFreq / int(div)); err != nil {
		fmt.Printf("Warning: baud change failed: %v\n", err)
	}
}

func (c *serialControl) FlushOutput() {
	c.port.Drain()
}

func (c *serialControl) Reboot() {}

// netControl maps session control onto a TCP connection: there is no
// baud rate to change, and rebooting means hanging up.
type netControl struct {
	conn net.Conn
}

func (c *netControl) SetBaudDivider(div uint32) {}
func (c *netControl) FlushOutput()              {}
func (c *netControl) Reboot()                   { c.conn.Close() }

// pump feeds bytes from r into the engine until the link closes.
func pump(r io.Reader, eng *stub.Engine) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			eng.OnByte(buf[i])
		}
		if err != nil {
			eng.CloseInput()
			return
		}
	}
}

// runSession wires one engine to a byte stream and runs it to completion.
func runSession(conn io.ReadWriter, img *flashimg.Image, ctl stub.Control) stub.Reason {
	eng := stub.New(conn, stub.Config{
		Flash:     img,
		SPI:       img,
		Registers: newMemRegisters(),
		Control:   ctl,
	})
	img.SetLink(eng.SendFrame, eng.NextFrame)
	go pump(conn, eng)
	return eng.Run()
}

func loadImage() (*flashimg.Image, error) {
	img := flashimg.New()
	if imageFlag == "" {
		return img, nil
	}
	if _, err := os.Stat(imageFlag); os.IsNotExist(err) {
		fmt.Printf("Image file %s not found, starting blank\n", imageFlag)
		return img, nil
	}
	if err := img.Load(imageFlag); err != nil {
		return nil, err
	}
	fmt.Printf("Loaded flash image from %s (%d bytes)\n", imageFlag, len(img.Bytes()))
	return img, nil
}

func saveImage(img *flashimg.Image) error {
	if imageFlag == "" {
		return nil
	}
	if err := img.Save(imageFlag); err != nil {
		return err
	}
	fmt.Printf("Saved flash image to %s\n", imageFlag)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	img, err := loadImage()
	if err != nil {
		return err
	}

	port, err := serial.Open(portFlag, baudFlag)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()

	fmt.Printf("Serving stub on %s @ %d baud\n", portFlag, baudFlag)

	var bar *progressbar.ProgressBar
	img.SetProgress(func(current, total int) {
		if bar == nil || bar.GetMax() != total {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Writing"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(true),
				progressbar.OptionThrottle(100),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Set(current)
	})

	reason := runSession(port, img, &serialControl{port: port})
	fmt.Printf("Session ended: %s\n", reason)

	return saveImage(img)
}

func runListen(cmd *cobra.Command, args []string) error {
	img, err := loadImage()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addrFlag)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addrFlag, err)
	}
	defer ln.Close()

	fmt.Printf("Listening on %s\n", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}

		fmt.Printf("Session from %s\n", conn.RemoteAddr())
		reason := runSession(conn, img, &netControl{conn: conn})
		conn.Close()
		fmt.Printf("Session ended: %s\n", reason)

		if err := saveImage(img); err != nil {
			return err
		}
	}
}

func runSelftest(cmd *cobra.Command, args []string) error {
	const (
		flashAddr = 0x1000
		deflAddr  = 0x80000
		blockSize = 0x400
	)

	data := make([]byte, sizeFlag)
	for i := range data {
		data[i] = byte(i*31 + i>>9)
	}

	host, dev := net.Pipe()
	defer host.Close()
	defer dev.Close()

	img := flashimg.New()

	done := make(chan stub.Reason, 1)
	go func() {
		done <- runSession(dev, img, &netControl{conn: dev})
	}()

	c := client.New(host)
	fmt.Println("Waiting for greeting...")
	if err := c.WaitGreeting(); err != nil {
		return err
	}
	fmt.Println("Connected!")

	totalBlocks := (len(data) + blockSize - 1) / blockSize
	bar := progressbar.NewOptions(totalBlocks,
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	c.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})

	fmt.Printf("Flashing %d bytes at 0x%X...\n", len(data), flashAddr)
	if err := c.FlashImage(data, flashAddr, blockSize); err != nil {
		return err
	}
	bar.Finish()

	fmt.Println("Verifying MD5...")
	if err := c.VerifyMD5(data, flashAddr); err != nil {
		return err
	}

	fmt.Println("Reading back...")
	back, err := c.ReadFlash(flashAddr, uint32(len(data)), blockSize)
	if err != nil {
		return err
	}
	if !bytes.Equal(back, data) {
		return fmt.Errorf("read back %d bytes, contents differ from flashed data", len(back))
	}

	fmt.Printf("Flashing %d bytes compressed at 0x%X...\n", len(data), deflAddr)
	c.SetProgressCallback(nil)
	if err := c.FlashDeflImage(data, deflAddr, blockSize); err != nil {
		return err
	}
	if err := c.VerifyMD5(data, deflAddr); err != nil {
		return err
	}

	fmt.Println("Rebooting...")
	if err := c.Boot(); err != nil {
		return err
	}
	if reason := <-done; reason != stub.ReasonBootApp {
		return fmt.Errorf("session ended with %s, expected %s", reason, stub.ReasonBootApp)
	}

	fmt.Println("Selftest passed!")
	return nil
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
