/*
Package emr integrates with hospital EMR systems over two protocols:
FHIR R4 REST for resource state and HL7 v2 (QRY^A19/ADR^A19 over MLLP)
for patient demographics. The adapter fetches both in parallel and
refuses records whose patient identifiers disagree between protocols.

Outbound calls are wrapped in a per-endpoint circuit breaker and a
bounded retry for transient failures (timeouts, 429, 503). OAuth2
tokens are acquired through a cached, single-flight token manager so
concurrent fetches never stampede the authorization server.

Patient identifiers and resource ids never appear in logs or trace
attributes; correlation ids tie a fetch to its audit trail instead.
*/
package emr
