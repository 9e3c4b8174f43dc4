// Command yonclient is a minimal manual-test client: it dials yonserver
// over TCP, reads the welcome frame, and calls the "sum" RPC example.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/google/uuid"
)

type wireMsg struct {
	SID        string          `json:"sid"`
	LSID       string          `json:"lsid,omitempty"`
	BodyCodeID int             `json:"bodycodeid"`
	Body       json.RawMessage `json:"body"`
}

type welcomeBody struct {
	Codes []string `json:"codes"`
}

type srpcSend struct {
	Key  string          `json:"key"`
	Body json.RawMessage `json:"body"`
}

func main() {
	addr := flag.String("addr", "localhost:7700", "yonserver TCP address")
	flag.Parse()

	if err := run(*addr); err != nil {
		fmt.Fprintln(os.Stderr, "yonclient:", err)
		os.Exit(1)
	}
}

func run(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	welcome, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	var wb welcomeBody
	if err := json.Unmarshal(welcome.Body, &wb); err != nil {
		return fmt.Errorf("decode welcome: %w", err)
	}
	codeID := map[string]int{}
	for i, c := range wb.Codes {
		codeID[c] = i
	}
	srpcSendID, ok := codeID["yon::srpc_send"]
	if !ok {
		return fmt.Errorf("server welcome is missing yon::srpc_send")
	}
	fmt.Println("connected; server knows", len(wb.Codes), "codes")

	argBody, _ := json.Marshal(map[string]int{"a": 2, "b": 3})
	callBody, _ := json.Marshal(srpcSend{Key: "sum", Body: argBody})
	call := wireMsg{SID: uuid.NewString(), BodyCodeID: srpcSendID, Body: callBody}
	if err := writeFrame(conn, call); err != nil {
		return fmt.Errorf("write rpc call: %w", err)
	}

	reply, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("read rpc reply: %w", err)
	}
	fmt.Printf("reply lsid=%s body=%s\n", reply.LSID, string(reply.Body))
	return nil
}

func readFrame(r io.Reader) (wireMsg, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return wireMsg{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return wireMsg{}, err
	}
	var wm wireMsg
	if err := json.Unmarshal(buf, &wm); err != nil {
		return wireMsg{}, err
	}
	return wm, nil
}

func writeFrame(w io.Writer, wm wireMsg) error {
	body, err := json.Marshal(wm)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
