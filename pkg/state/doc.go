// Package state records which worker processes a pool owns.
//
// A pool writes the record after every spawn so that, if the supervisor
// dies without stopping its workers, the next pool started with the same
// state directory can find and reap the orphans.
//
// # Usage
//
//	repo := state.NewFileRepository("/path/to/state/dir")
//
//	s, err := repo.Load(ctx)
//	if err != nil {
//	    return err
//	}
//	s.OwnerPID = os.Getpid()
//	s.Put(state.Worker{ID: "w0", PID: pid, Slot: 0})
//	if err := repo.Save(ctx, s); err != nil {
//	    return err
//	}
//
// The file is JSON with snake_case field names so operators can inspect it.
package state
