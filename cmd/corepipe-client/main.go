/*
corepipe-client is a diagnostic client kept close to a prior
cmd/client/main.go (connect, optional auth step, read-loop goroutine plus
stdin command loop), adapted to the new wire framing (packet.Encode/Decode
instead of protocol.Pack/Unpack) and the handshake/echo op codes this
module's server bootstrap registers. Flag parsing stays stdlib flag, same
as that prior client: this is a thin test tool, not the framework's own
CLI bootstrap.
*/
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"corepipe/packet"
)

const echoOpCode uint16 = 0x0002
const handshakeOpCode uint16 = 0x0001
const controlOpCode uint16 = 0xFFFF

func main() {
	serverAddr := flag.String("server", "127.0.0.1:7690", "Server address")
	magicNumber := flag.Uint("magic", 0x43505031, "Protocol magic number")
	token := flag.String("token", "", "Handshake bearer token (optional)")
	flag.Parse()

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	magic := uint32(*magicNumber)
	log.Printf("connected to %s", *serverAddr)

	if *token != "" {
		if err := sendPacket(conn, magic, handshakeOpCode, []byte(*token)); err != nil {
			log.Fatalf("failed to send handshake: %v", err)
		}
	}

	go receiveLoop(conn, magic)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Commands:")
	fmt.Println("  echo <text> - send an echo request")
	fmt.Println("  quit - exit")
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, " ", 2)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "quit":
			return
		case "echo":
			if len(parts) < 2 {
				fmt.Println("usage: echo <text>")
				continue
			}
			if err := sendPacket(conn, magic, echoOpCode, []byte(parts[1])); err != nil {
				log.Printf("send error: %v", err)
			}
		default:
			fmt.Println("unknown command")
		}
	}
}

func sendPacket(conn net.Conn, magic uint32, opCode uint16, body []byte) error {
	p, err := packet.New(magic, opCode, 0, packet.PriorityNormal, packet.TransportTCP, body)
	if err != nil {
		return err
	}
	data, err := packet.Encode(p)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

func receiveLoop(conn net.Conn, magic uint32) {
	reader := bufio.NewReader(conn)
	var header [packet.HeaderLength]byte
	for {
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			log.Printf("receive error: %v", err)
			return
		}
		length := int(header[9]) | int(header[10])<<8
		buf := make([]byte, length)
		copy(buf, header[:])
		if length > packet.HeaderLength {
			if _, err := io.ReadFull(reader, buf[packet.HeaderLength:]); err != nil {
				log.Printf("receive error: %v", err)
				return
			}
		}

		p, err := packet.Decode(buf, magic)
		if err != nil {
			log.Printf("decode error: %v", err)
			continue
		}

		switch p.OpCode {
		case controlOpCode:
			fmt.Printf("< control frame, %d bytes payload\n", len(p.Payload()))
		case echoOpCode:
			fmt.Printf("< echo: %s\n", string(p.Payload()))
		default:
			fmt.Printf("< op=%d, %d bytes\n", p.OpCode, len(p.Payload()))
		}
	}
}
