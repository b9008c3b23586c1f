package session

import "errors"

var (
	// ErrAlreadyActive is returned by [Session.Start] when the worker already
	// holds a running session.
	ErrAlreadyActive = errors.New("session: a session is already active on this worker")

	// ErrBackendStart is returned by [Session.Start] when the backend could
	// not be created or initialised.
	ErrBackendStart = errors.New("session: backend failed to start")

	// ErrGameStart is returned by [Session.Start] when the backend rejected
	// the game or reported an unusable audio/video format.
	ErrGameStart = errors.New("session: game failed to start")

	// ErrAudioStart is returned by [Session.Start] when the audio sink could
	// not be started.
	ErrAudioStart = errors.New("session: audio sink failed to start")

	// ErrInvalidArgument is returned for an empty core name or a nil
	// required dependency.
	ErrInvalidArgument = errors.New("session: invalid argument")

	// ErrWorkerClosed is returned by [Worker.Do] after [Worker.Close].
	ErrWorkerClosed = errors.New("session: worker closed")
)
