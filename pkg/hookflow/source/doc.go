// Package source produces pipeline events from the outside world.
//
// FileWatcher turns filesystem changes into file.created, file.modified,
// file.deleted and file.renamed events. HookInput decodes the JSON document a
// hook script receives on stdin and maps it to the matching event type and
// priority tier:
//
//	in, err := source.ReadHook(os.Stdin, "post-tool-use")
//	events, err := in.Events(time.Now())
package source
