/*
package tcpctl implements a minimal Ethernet/ARP/IPv4/TCP/UDP stack working on
a single RX and a single TX frame buffer, meant to be reached by a single host
over a point-to-point link such as USB CDC-ECM. It answers ARP requests for
its address, hands out one fixed address over DHCP and serves TCP
connections to registered services.

Only one frame is ever in flight: a frame is started with
[Interface.AcquireTx], handed to the link with [Interface.Transmit] and the
buffer stays busy until the link calls [Interface.TxComplete].

# Reduced TCP state diagram

There is no LISTEN, TIME-WAIT nor retransmission. Sequence numbers sent by the
peer are trusted.

	                 +---------+
	                 |  CLOSED |<-----------------------------------+
	                 +---------+                                    |
	          rcv SYN     |                                         |
	          snd SYN,ACK |                                         |
	                      V                                         |
	                 +---------+                                    |
	                 |   SYN   |                                    |
	                 |   RCVD  |                                    |
	                 +---------+                                    |
	          rcv ACK     |                                         |
	                      V                                         |
	                 +---------+    rcv FIN        +---------+      |
	                 |  ESTAB  |------------------>|  CLOSE  |------+
	                 +---------+    snd FIN,ACK    |   WAIT  | sent or
	          CLOSE       |                        +---------+ rcv ACK
	          snd FIN,ACK |                                         |
	                      V                                         |
	                 +---------+    rcv FIN        +---------+      |
	                 |   FIN   |------------------>| CLOSING |------+
	                 |  WAIT-1 |    snd ACK        +---------+
	                 +---------+
*/
package tcpctl
