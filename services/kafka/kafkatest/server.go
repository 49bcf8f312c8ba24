// Package kafkatest provides a minimal in-process Kafka broker for
// exercising the producer path. It records messages from ProduceRequests
// and answers MetadataRequests claiming to be the sole broker. Consumer
// group APIs are not implemented.
package kafkatest

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	apiProduce     = 0
	apiMetadata    = 3
	apiAPIVersions = 18
)

// Message is one record captured from a ProduceRequest.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Message   string
	Time      time.Time
}

type Server struct {
	Addr net.Addr
	mu   sync.Mutex
	wg   sync.WaitGroup

	closed  bool
	closing chan struct{}

	messages []Message
	errors   []error

	brokerEntry []byte
	nodeID      int32

	partitionCount int32
}

func NewServer() (*Server, error) {
	s := &Server{
		closing:        make(chan struct{}),
		nodeID:         1,
		partitionCount: 3,
	}
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, err
	}
	s.Addr = l.Addr()

	// The broker metadata entry is static once the listener is bound.
	s.prepareBrokerEntry()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(l)
	}()
	return s, nil
}

func (s *Server) prepareBrokerEntry() {
	host, port, _ := net.SplitHostPort(s.Addr.String())
	s.brokerEntry = make([]byte, 0, 4+2+len(host)+4)
	s.brokerEntry = writeInt32(s.brokerEntry, s.nodeID)
	s.brokerEntry = writeStr(s.brokerEntry, host)
	portN, _ := strconv.Atoi(port)
	s.brokerEntry = writeInt32(s.brokerEntry, int32(portN))
	s.brokerEntry = writeInt16(s.brokerEntry, -1) // rack
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closing)
	s.wg.Wait()
}

// Messages returns all captured messages, or the accumulated protocol
// errors if any request could not be served.
func (s *Server) Messages() ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errors) > 0 {
		return nil, multiError(s.errors)
	}
	return s.messages, nil
}

func (s *Server) run(l net.Listener) {
	defer l.Close()

	accepts := make(chan net.Conn)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			select {
			case accepts <- c:
			case <-s.closing:
				return
			}
		}
	}()

	for {
		select {
		case c := <-accepts:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer c.Close()
				for {
					if err := s.serve(c); err != nil {
						if err == io.EOF {
							return
						}
						s.saveError(err)
					}
				}
			}()
		case <-s.closing:
			l.Close()
			return
		}
	}
}

// serve reads a single request off the connection and writes its response.
func (s *Server) serve(c net.Conn) error {
	var size int32
	if err := binary.Read(c, binary.BigEndian, &size); err != nil {
		return err
	}
	buf := make([]byte, int(size))
	if _, err := io.ReadFull(c, buf); err != nil {
		return err
	}
	apiKey := int16(binary.BigEndian.Uint16(buf[:2]))
	// Skip api version and correlation id, then the client id string.
	_, n := readStr(buf[8:])
	request := buf[8+n:]

	// First 4 bytes are reserved for the size, the next 4 echo the
	// correlation id.
	response := make([]byte, 8, 1024)
	copy(response[4:], buf[4:8])

	switch apiKey {
	case apiProduce:
		response = s.respondProduce(response, request)
	case apiMetadata:
		response = s.respondMetadata(response, request)
	case apiAPIVersions:
		response = s.respondAPIVersions(response)
	default:
		return fmt.Errorf("unsupported apiKey %d", apiKey)
	}

	binary.BigEndian.PutUint32(response[:4], uint32(len(response)-4))
	_, err := c.Write(response)
	return err
}

type produceResult struct {
	partition int32
	offset    int64
}

func (s *Server) respondProduce(response, request []byte) []byte {
	topic, results := s.readProduceRequest(request)

	response = writeArrayHeader(response, 1)
	response = writeStr(response, topic)
	response = writeArrayHeader(response, int32(len(results)))
	for _, r := range results {
		response = writeInt32(response, r.partition)
		response = writeInt16(response, 0) // error code
		response = writeInt64(response, r.offset)
		response = writeInt64(response, -1) // log append time
	}
	response = writeInt32(response, 0) // throttle time
	return response
}

func (s *Server) respondMetadata(response, request []byte) []byte {
	topics, _ := readStrList(request)

	response = writeArray(response, [][]byte{s.brokerEntry})
	response = writeInt32(response, 0) // controller id

	response = writeArrayHeader(response, int32(len(topics)))
	for _, t := range topics {
		response = writeInt16(response, 0) // error code
		response = writeStr(response, t)
		response = writeBool(response, false) // is_internal

		response = writeArrayHeader(response, s.partitionCount)
		for i := int32(0); i < s.partitionCount; i++ {
			response = writeInt16(response, 0) // error code
			response = writeInt32(response, i+1)
			response = writeInt32(response, s.nodeID) // leader
			response = writeArrayHeader(response, 0)  // replicas
			response = writeArrayHeader(response, 0)  // isr
		}
	}
	return response
}

// respondAPIVersions pins the produce and metadata versions to the ones
// this fake knows how to decode.
func (s *Server) respondAPIVersions(response []byte) []byte {
	response = writeInt16(response, 0) // error code

	response = writeArrayHeader(response, 2)

	// Produce v0-v2
	response = writeInt16(response, apiProduce)
	response = writeInt16(response, 0)
	response = writeInt16(response, 2)

	// Metadata v1
	response = writeInt16(response, apiMetadata)
	response = writeInt16(response, 1)
	response = writeInt16(response, 1)
	return response
}

// readProduceRequest decodes a v2 ProduceRequest carrying message sets,
// assuming a single topic per request.
func (s *Server) readProduceRequest(request []byte) (string, []produceResult) {
	results := []produceResult{}

	pos := 2 + 4 + 4 // skip RequiredAcks, Timeout and the topic array len

	topic, n := readStr(request[pos:])
	pos += n

	partitions := readInt32(request[pos:])
	pos += 4

	for i := int32(0); i < partitions; i++ {
		partition := readInt32(request[pos:])
		pos += 4

		pos += 4 // skip message set size

		offset := readInt64(request[pos:])
		pos += 8

		pos += 4 + 4 + 1 + 1 // skip size, crc, magic, attributes

		msecs := readInt64(request[pos:])
		pos += 8

		key, n := readByteArray(request[pos:])
		pos += n

		value, n := readByteArray(request[pos:])
		pos += n

		s.saveMessage(Message{
			Topic:     topic,
			Partition: partition,
			Offset:    offset,
			Key:       string(key),
			Message:   string(value),
			Time:      time.Unix(msecs/1000, msecs%1000*1000000).UTC(),
		})
		results = append(results, produceResult{partition, offset})
	}

	return topic, results
}

func (s *Server) saveMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

func (s *Server) saveError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, err)
}

func readList(buf []byte, f func([]byte) int) int {
	pos := 4
	count := int(int32(binary.BigEndian.Uint32(buf[:pos])))
	for i := 0; i < count; i++ {
		pos += f(buf[pos:])
	}
	return pos
}

func readStrList(buf []byte) ([]string, int) {
	var strs []string
	l := readList(buf, func(data []byte) int {
		s, n := readStr(data)
		strs = append(strs, s)
		return n
	})
	return strs, l
}

func readStr(buf []byte) (string, int) {
	n := int(int16(binary.BigEndian.Uint16(buf[:2])))
	return string(buf[2 : 2+n]), n + 2
}

func readByteArray(buf []byte) ([]byte, int) {
	n := int(int32(binary.BigEndian.Uint32(buf[:4])))
	if n == -1 {
		return nil, n + 4
	}
	return buf[4 : 4+n], n + 4
}

func readInt32(buf []byte) int32 {
	return int32(binary.BigEndian.Uint32(buf[:4]))
}

func readInt64(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf[:8]))
}

func writeStr(dst []byte, s string) []byte {
	dst = writeInt16(dst, len(s))
	return append(dst, []byte(s)...)
}

func writeBool(dst []byte, b bool) []byte {
	if b {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func writeInt16(dst []byte, n int) []byte {
	l := len(dst)
	dst = append(dst, 0, 0)
	binary.BigEndian.PutUint16(dst[l:l+2], uint16(n))
	return dst
}

func writeInt32(dst []byte, n int32) []byte {
	l := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(dst[l:l+4], uint32(n))
	return dst
}

func writeInt64(dst []byte, n int64) []byte {
	l := len(dst)
	dst = append(dst, 0, 0, 0, 0, 0, 0, 0, 0)
	binary.BigEndian.PutUint64(dst[l:l+8], uint64(n))
	return dst
}

func writeArrayHeader(dst []byte, n int32) []byte {
	return writeInt32(dst, n)
}

func writeArray(dst []byte, data [][]byte) []byte {
	dst = writeArrayHeader(dst, int32(len(data)))
	for _, d := range data {
		dst = append(dst, d...)
	}
	return dst
}

type multiError []error

func (e multiError) Error() string {
	errs := make([]string, len(e))
	for i := range e {
		errs[i] = e[i].Error()
	}
	return strings.Join(errs, "\n")
}
