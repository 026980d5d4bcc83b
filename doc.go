/*
Package l4exec is a dynamic program loader and linker for i386 ELF images running on a
microkernel, without any help from a host operating system loader.

# Underwater

 1. An executable and the transitive set of its NEEDED libraries are parsed into exec objects. Libraries are cached by canonical path and reference counted, so programs needing the same library share one instance.
 2. Every loadable segment becomes a program section backed by a memory region. Text is shared read-only with every client, writable data is duplicated copy-on-write per client.
 3. Linking happens in two passes: the bootstrap library alone when the program is opened, everything on an explicit [Loader.Link]. A section is never relocated twice.
 4. Symbols are looked up through the exported ELF hash tables. The first strong definition in the dependency set wins, a weak one is taken only when no strong one exists.
 5. Symbol and STABS line side-tables can be collected at load time for debugger clients.

# Environment descriptor

[Loader.Open] returns an [env.Descriptor]: the ordered list of sections exported into the client, each with a stable id, its client address, size and type bits. It is the only state a caller has to keep between calls.

# Status codes

Every operation returns an error wrapping one of the sentinels of package status. Callers which cannot carry Go errors map them with [status.Of].

# Inspect tool

The inspect command probes, loads and dumps images from the host filesystem:

	go install github.com/osfree-project/l4exec/inspect@latest
	inspect -h

# Samples

See the tests, images are synthesized with package elftest.
*/
package l4exec
