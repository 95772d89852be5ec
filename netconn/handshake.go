/*
Handshake wiring: the first packet on a
Connection still in Handshaking state is treated as a bearer token rather
than handed to the pipeline, mirroring server/connection.go's own
pattern of branching on connection state before regular message dispatch.
*/
package netconn

import (
	"corepipe/credential"
	"corepipe/packet"
	"corepipe/pipeline"
)

// HandshakeOp is the reserved op code for the first packet on a connection.
const HandshakeOp uint16 = 0x0001

// handshake validates p's payload as a JWT bearer token via issuer,
// transitioning Handshaking -> Ready and installing the negotiated
// permission level and encryption suite on success. On failure it sends a
// ControlFail/ReasonUnauthenticated frame and leaves the connection in
// Handshaking (the caller closes after too many failed attempts, if it
// chooses to enforce that). On success it replies with a plain data packet
// on HandshakeOp rather than a control frame: the control-frame taxonomy is
// closed to FAIL/THROTTLE/TIMEOUT, none of which mean "succeeded", so
// reusing one (e.g. FAIL/OK) would read backwards to a peer.
func (c *Connection) handshake(issuer *credential.Issuer, p *packet.Packet) error {
	claims, err := issuer.ValidateToken(string(p.Payload()))
	if err != nil {
		return c.SendControl(pipeline.Control{Type: pipeline.ControlFail, Reason: pipeline.ReasonUnauthenticated})
	}

	c.SetPermissionLevel(claims.PermissionLevel)
	c.SetEncryption(nil, claims.EncryptionSuite)
	c.SetState(Ready)

	ack, err := packet.New(c.magicNumber, HandshakeOp, 0, packet.PriorityNormal, c.transport, nil)
	if err != nil {
		return err
	}
	return c.SendPacket(ack)
}
