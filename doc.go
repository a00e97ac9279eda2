// Package greenguard builds, tunes and persists machine learning pipelines
// that predict wind turbine failures from sensor readings.
//
// A pipeline is a template (an ordered list of primitives such as window
// aggregation, imputation, scaling and an estimator) bound to one
// hyperparameter assignment. Tuning searches the template's hyperparameter
// space with Bayesian optimisation over a Gaussian process, scoring every
// proposal by cross-validation, and keeps the best assignment found.
//
// # Features
//
//   - Bundled templates, or custom ones from JSON/YAML files
//   - Bayesian optimisation with four acquisition functions
//   - Stratified or plain k-fold cross-validation, folds scored concurrently
//   - Resumable tuning sessions: the session state, tuner state included, is
//     a plain value the caller passes to Tune and gets back
//   - Atomic save/load of the pipeline, its fitted state and its session
//   - Progress updates through a channel and an optional trial recorder
//
// # Usage
//
//	X, y, readings, err := data.Load("data/", data.Options{})
//	if err != nil {
//	    return err
//	}
//
//	cfg := greenguard.DefaultConfig()
//	cfg.Metric = "f1"
//
//	p, err := greenguard.New("window_logistic", cfg)
//	if err != nil {
//	    return err
//	}
//
//	session, err := p.Tune(ctx, X, y, readings, 20, nil)
//	if err != nil {
//	    return err
//	}
//
//	if err := p.Fit(X, y, readings); err != nil {
//	    return err
//	}
//
//	return greenguard.Save("model.json", p, session)
//
// A later call resumes the search where it stopped:
//
//	p, session, err := greenguard.Load("model.json", greenguard.DefaultConfig())
//	...
//	session, err = p.Tune(ctx, X, y, readings, 20, session)
//
// # Acquisition Functions
//
// The tuner ranks random candidates with one of:
//
// 1. Upper Confidence Bound (UCB):
//
//   - Balances exploration and exploitation
//
//   - Controlled by Beta (higher = more exploration)
//
//   - Default choice
//
//     tc := DefaultTunerConfig()
//     tc.AcqParams.Beta = 3.0
//     cfg.TunerFactory = NewGPTuner(tc)
//
// 2. Probability of Improvement (PI): favours small, likely improvements
// over the best score by at least Xi.
//
// 3. Expected Improvement (EI): weighs the probability of improvement by its
// magnitude.
//
// 4. Thompson Sampling: ranks candidates by one draw from the prediction.
//
// # Scores
//
// Metrics are either gains (accuracy, precision, recall, f1, r2) or costs
// (mse, mae, rmse). The best score of a session only ever changes to a
// strictly better value. An assignment whose fit fails scores -Inf for gains
// and +Inf for costs.
//
// # Thread Safety
//
// A Pipeline must not be used from several goroutines at once. Within one
// Tune call, folds are evaluated concurrently up to Config.Workers.
package greenguard
